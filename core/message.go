package core

import (
	"encoding/json"
	"fmt"
)

// Channel protocol. One flat tagged union, JSON on the wire, delta and
// snapshot blobs carried base64. Mirrors the shape of every event the
// hub emits or accepts.

const (
	MessageBootstrap      = "bootstrap"
	MessageDocUpdate      = "doc.update"
	MessageDocSnapshot    = "doc.snapshot"
	MessageFileCreate     = "file.create"
	MessageFileDelete     = "file.delete"
	MessageFileRename     = "file.rename"
	MessageFolderCreate   = "folder.create"
	MessageFolderDelete   = "folder.delete"
	MessagePresenceUpdate = "presence.update"
	MessagePresenceLeave  = "presence.leave"
	MessageFollowStart    = "follow.start"
	MessageFollowStop     = "follow.stop"
	MessageFollowChanged  = "follow.changed"
	MessageFollowView     = "follow.view"
	MessagePing           = "ping"
	MessagePong           = "pong"
	MessageError          = "error"
)

// size caps for inbound payloads
const (
	MaxUpdateBytes   = 200_000
	MaxSnapshotBytes = 600_000
)

type Cursor struct {
	File   string `json:"file,omitempty"`
	Anchor int    `json:"anchor"`
	Head   int    `json:"head"`
}

type Message struct {
	Type      string `json:"type"`
	SessionId string `json:"session_id,omitempty"`

	// doc.update / doc.snapshot / file and folder operations
	Path    string `json:"path,omitempty"`
	NewPath string `json:"new_path,omitempty"`
	Update  []byte `json:"update,omitempty"`
	Version uint64 `json:"version,omitempty"`

	// presence and follow
	User       string             `json:"user,omitempty"`
	FromUser   string             `json:"from_user,omitempty"`
	Cursor     *Cursor            `json:"cursor,omitempty"`
	Presence   map[string]*Cursor `json:"presence,omitempty"`
	Follower   string             `json:"follower,omitempty"`
	TargetUser string             `json:"target_user,omitempty"`
	Following  map[string]string  `json:"following,omitempty"`

	// bootstrap
	Snapshot []byte   `json:"snapshot,omitempty"`
	Folders  []string `json:"folders,omitempty"`

	// error
	Detail string `json:"detail,omitempty"`
}

var inboundMessageTypes = map[string]bool{
	MessageDocUpdate:      true,
	MessageDocSnapshot:    true,
	MessageFileCreate:     true,
	MessageFileDelete:     true,
	MessageFileRename:     true,
	MessageFolderCreate:   true,
	MessageFolderDelete:   true,
	MessagePresenceUpdate: true,
	MessageFollowStart:    true,
	MessageFollowStop:     true,
	MessagePing:           true,
}

// ParseMessage decodes and bounds-checks one inbound frame.
func ParseMessage(raw []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(raw, message); err != nil {
		return nil, err
	}
	if !inboundMessageTypes[message.Type] {
		return nil, fmt.Errorf("unknown message type: %q", message.Type)
	}
	switch message.Type {
	case MessageDocUpdate:
		if NormalizePath(message.Path) == "" {
			return nil, ErrNotFound
		}
		if len(message.Update) == 0 || MaxUpdateBytes < len(message.Update) {
			return nil, ErrMalformedDelta
		}
	case MessageDocSnapshot:
		if len(message.Update) == 0 || MaxSnapshotBytes < len(message.Update) {
			return nil, ErrMalformedSnapshot
		}
	case MessageFileCreate, MessageFileDelete, MessageFileRename,
		MessageFolderCreate, MessageFolderDelete:
		if NormalizePath(message.Path) == "" {
			return nil, ErrNotFound
		}
	}
	return message, nil
}

func EncodeMessage(message *Message) []byte {
	b, err := json.Marshal(message)
	if err != nil {
		// the message union contains only marshalable fields
		panic(err)
	}
	return b
}
