package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang/glog"

	bolt "go.etcd.io/bbolt"
)

// Durable per-session history. Every accepted mutation is appended as a
// version-keyed entry; a full snapshot is written every
// SnapshotInterval mutations and older entries are pruned, so replay
// cost stays bounded. Writes are buffered through a single writer
// goroutine to keep persistence off the session actor's hot path.

const (
	EntryDelta        = byte(1)
	EntryFileCreate   = byte(2)
	EntryFileDelete   = byte(3)
	EntryFileRename   = byte(4)
	EntryFolderCreate = byte(5)
	EntryFolderDelete = byte(6)
)

// LogEntry is one replayable mutation: a document delta or a file tree
// operation.
type LogEntry struct {
	Kind    byte
	Path    string
	NewPath string
	Delta   []byte
}

func EncodeLogEntry(entry *LogEntry) []byte {
	b := []byte{entry.Kind}
	b = appendString(b, entry.Path)
	b = appendString(b, entry.NewPath)
	b = binary.AppendUvarint(b, uint64(len(entry.Delta)))
	b = append(b, entry.Delta...)
	return b
}

func DecodeLogEntry(blob []byte) (*LogEntry, error) {
	if len(blob) < 1 {
		return nil, ErrMalformedDelta
	}
	entry := &LogEntry{Kind: blob[0]}
	b := blob[1:]
	var ok bool
	if entry.Path, b, ok = readString(b); !ok {
		return nil, ErrMalformedDelta
	}
	if entry.NewPath, b, ok = readString(b); !ok {
		return nil, ErrMalformedDelta
	}
	length, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) != length {
		return nil, ErrMalformedDelta
	}
	entry.Delta = append([]byte{}, b[n:]...)
	return entry, nil
}

// ApplyLogEntry replays one entry against a document. Used when
// rehydrating a session from the log and by any replica consuming a
// bootstrap payload.
func ApplyLogEntry(doc *Document, entry *LogEntry) error {
	switch entry.Kind {
	case EntryDelta:
		delta, err := DecodeDelta(entry.Delta)
		if err != nil {
			return err
		}
		doc.Apply(entry.Path, delta)
		return nil
	case EntryFileCreate:
		return doc.CreateFile(entry.Path)
	case EntryFileDelete:
		return doc.DeleteFile(entry.Path)
	case EntryFileRename:
		return doc.RenameFile(entry.Path, entry.NewPath)
	case EntryFolderCreate:
		return doc.CreateFolder(entry.Path)
	case EntryFolderDelete:
		return doc.DeleteFolder(entry.Path)
	}
	return fmt.Errorf("unknown log entry kind: %d", entry.Kind)
}

type LogSettings struct {
	Path         string
	WriteBuffer  int
	WriteTimeout time.Duration
}

func DefaultLogSettings() *LogSettings {
	return &LogSettings{
		Path:         "core.db",
		WriteBuffer:  64,
		WriteTimeout: 5 * time.Second,
	}
}

type logWrite struct {
	sessionId string
	version   uint64
	blob      []byte
	snapshot  bool
	flush     chan struct{}
}

type UpdateLog struct {
	ctx    context.Context
	cancel context.CancelFunc

	db       *bolt.DB
	writes   chan *logWrite
	settings *LogSettings
}

func NewUpdateLogWithDefaults(ctx context.Context, path string) (*UpdateLog, error) {
	settings := DefaultLogSettings()
	settings.Path = path
	return NewUpdateLog(ctx, settings)
}

func NewUpdateLog(ctx context.Context, settings *LogSettings) (*UpdateLog, error) {
	db, err := bolt.Open(settings.Path, 0600, &bolt.Options{Timeout: settings.WriteTimeout})
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	updateLog := &UpdateLog{
		ctx:      cancelCtx,
		cancel:   cancel,
		db:       db,
		writes:   make(chan *logWrite, settings.WriteBuffer),
		settings: settings,
	}
	go updateLog.run()
	return updateLog, nil
}

func (self *UpdateLog) run() {
	defer self.db.Close()
	for {
		select {
		case <-self.ctx.Done():
			return
		case write := <-self.writes:
			if err := self.commit(write); err != nil {
				glog.Infof("[log]write error %s@%d = %s\n", write.sessionId, write.version, err)
			}
			if write.flush != nil {
				close(write.flush)
			}
		}
	}
}

func versionKey(version uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, version)
	return key
}

func (self *UpdateLog) commit(write *logWrite) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		session, err := tx.CreateBucketIfNotExists([]byte(write.sessionId))
		if err != nil {
			return err
		}
		entries, err := session.CreateBucketIfNotExists([]byte("entries"))
		if err != nil {
			return err
		}
		snapshots, err := session.CreateBucketIfNotExists([]byte("snapshots"))
		if err != nil {
			return err
		}
		if !write.snapshot {
			return entries.Put(versionKey(write.version), write.blob)
		}

		if err := snapshots.Put(versionKey(write.version), write.blob); err != nil {
			return err
		}
		// entries covered by this snapshot are no longer needed for
		// resync; neither are older snapshots
		prune := func(bucket *bolt.Bucket, upTo uint64, inclusive bool) error {
			cursor := bucket.Cursor()
			for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
				version := binary.BigEndian.Uint64(key)
				if version < upTo || (inclusive && version == upTo) {
					if err := cursor.Delete(); err != nil {
						return err
					}
				}
			}
			return nil
		}
		if err := prune(entries, write.version, true); err != nil {
			return err
		}
		return prune(snapshots, write.version, false)
	})
}

// Append queues one mutation entry at the given version.
func (self *UpdateLog) Append(sessionId string, version uint64, entry *LogEntry) {
	self.enqueue(&logWrite{
		sessionId: sessionId,
		version:   version,
		blob:      EncodeLogEntry(entry),
	})
}

// Snapshot queues a full-state snapshot tagged with the version at
// which it was produced. Entries at or below that version are pruned.
func (self *UpdateLog) Snapshot(sessionId string, version uint64, blob []byte) {
	self.enqueue(&logWrite{
		sessionId: sessionId,
		version:   version,
		blob:      blob,
		snapshot:  true,
	})
}

func (self *UpdateLog) enqueue(write *logWrite) {
	select {
	case <-self.ctx.Done():
	case self.writes <- write:
	}
}

// Flush blocks until all previously queued writes are committed.
func (self *UpdateLog) Flush() {
	flush := make(chan struct{})
	select {
	case <-self.ctx.Done():
		return
	case self.writes <- &logWrite{flush: flush}:
	}
	select {
	case <-self.ctx.Done():
	case <-flush:
	}
}

// BootstrapState is whatever a new replica needs to reconstruct current
// state: the latest snapshot, if any, plus every entry after it.
type BootstrapState struct {
	Snapshot        []byte
	SnapshotVersion uint64
	Entries         [][]byte
	Version         uint64
}

// Sessions lists every session id with durable history.
func (self *UpdateLog) Sessions() ([]string, error) {
	sessionIds := []string{}
	err := self.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			sessionIds = append(sessionIds, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessionIds, nil
}

// Bootstrap reads the replayable state for a session.
func (self *UpdateLog) Bootstrap(sessionId string) (*BootstrapState, error) {
	state := &BootstrapState{}
	err := self.db.View(func(tx *bolt.Tx) error {
		session := tx.Bucket([]byte(sessionId))
		if session == nil {
			return nil
		}
		if snapshots := session.Bucket([]byte("snapshots")); snapshots != nil {
			if key, blob := snapshots.Cursor().Last(); key != nil {
				state.SnapshotVersion = binary.BigEndian.Uint64(key)
				state.Version = state.SnapshotVersion
				state.Snapshot = append([]byte{}, blob...)
			}
		}
		if entries := session.Bucket([]byte("entries")); entries != nil {
			cursor := entries.Cursor()
			for key, blob := cursor.First(); key != nil; key, blob = cursor.Next() {
				version := binary.BigEndian.Uint64(key)
				if version <= state.SnapshotVersion {
					continue
				}
				state.Entries = append(state.Entries, append([]byte{}, blob...))
				if state.Version < version {
					state.Version = version
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// RehydrateDocument replays a bootstrap state into a live document.
func RehydrateDocument(state *BootstrapState, agent Id, defaultFile string) (*Document, error) {
	var doc *Document
	if state.Snapshot != nil {
		decoded, err := DecodeDocument(state.Snapshot, agent)
		if err != nil {
			return nil, err
		}
		if len(decoded.files) == 0 {
			// a document always has at least one file
			glog.Infof("[log]rehydrate from empty snapshot, seeding default file\n")
			decoded = NewDocument(agent, defaultFile)
		}
		doc = decoded
	} else {
		doc = NewDocument(agent, defaultFile)
	}
	for _, blob := range state.Entries {
		entry, err := DecodeLogEntry(blob)
		if err != nil {
			return nil, err
		}
		// structural replay errors can happen when an entry was
		// accepted against state that a later snapshot already folded
		// in. The entry is already reflected, skip it.
		if err := ApplyLogEntry(doc, entry); err != nil {
			glog.V(2).Infof("[log]replay skip = %s\n", err)
		}
	}
	return doc, nil
}

func (self *UpdateLog) Close() {
	self.cancel()
}
