package core

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestHub(t *testing.T) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(ctx, newTestLog(t), DefaultHubSettings())
	t.Cleanup(hub.Close)
	return hub
}

func receiveMessage(t *testing.T, conn *Conn, messageType string) *Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for %s", messageType)
			return nil
		case message := <-conn.Receive():
			if message.Type == messageType {
				return message
			}
		}
	}
}

func expectQuiet(t *testing.T, conn *Conn, messageType string) {
	t.Helper()
	timeout := time.After(200 * time.Millisecond)
	for {
		select {
		case <-timeout:
			return
		case message := <-conn.Receive():
			if message.Type == messageType {
				t.Fatalf("unexpected %s", messageType)
			}
		}
	}
}

func submit(t *testing.T, hub *Hub, sessionId string, conn *Conn, message *Message) {
	t.Helper()
	message.SessionId = sessionId
	if err := hub.Submit(sessionId, conn, EncodeMessage(message)); err != nil {
		t.Fatalf("submit: %s", err)
	}
}

func TestHubJoinBootstrap(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	assert.Equal(t, ConnStateConnecting, alice.State())

	bootstrap, err := hub.Join("s1", alice)
	assert.Equal(t, nil, err)
	assert.Equal(t, ConnStateBootstrapped, alice.State())
	assert.Equal(t, MessageBootstrap, bootstrap.Type)
	assert.Equal(t, uint64(1), bootstrap.Version)

	doc, err := DecodeDocument(bootstrap.Snapshot, NewId())
	assert.Equal(t, nil, err)
	_, err = doc.Read("main.py")
	assert.Equal(t, nil, err)

	_, ok := bootstrap.Presence["alice"]
	assert.Equal(t, true, ok)
}

func TestHubDocUpdateFanout(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	_, err := hub.Join("s1", alice)
	assert.Equal(t, nil, err)
	_, err = hub.Join("s1", bob)
	assert.Equal(t, nil, err)

	author := NewTextReplica(NewId())
	delta := author.Insert(0, "x = 1\n")
	submit(t, hub, "s1", alice, &Message{
		Type:   MessageDocUpdate,
		Path:   "main.py",
		Update: EncodeDelta(delta),
	})

	// every other participant observes the delta with the new version
	received := receiveMessage(t, bob, MessageDocUpdate)
	assert.Equal(t, "alice", received.FromUser)
	assert.Equal(t, "main.py", received.Path)
	assert.Equal(t, uint64(2), received.Version)

	// never echoed back to the sender
	expectQuiet(t, alice, MessageDocUpdate)

	content, err := hub.ReadFile("s1", "main.py")
	assert.Equal(t, nil, err)
	assert.Equal(t, "x = 1\n", content)
}

func TestHubVersionGapless(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	hub.Join("s1", alice)
	hub.Join("s1", bob)

	author := NewTextReplica(NewId())
	for i := 0; i < 5; i += 1 {
		submit(t, hub, "s1", alice, &Message{
			Type:   MessageDocUpdate,
			Path:   "main.py",
			Update: EncodeDelta(author.Insert(i, "a")),
		})
	}

	var last uint64 = 1
	for i := 0; i < 5; i += 1 {
		received := receiveMessage(t, bob, MessageDocUpdate)
		assert.Equal(t, last+1, received.Version)
		last = received.Version
	}
}

func TestHubMalformedDeltaDropped(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	hub.Join("s1", alice)
	hub.Join("s1", bob)

	// not json at all
	err := hub.Submit("s1", alice, []byte("{nope"))
	assert.Equal(t, nil, err)

	// valid frame, garbage delta payload
	submit(t, hub, "s1", alice, &Message{
		Type:   MessageDocUpdate,
		Path:   "main.py",
		Update: []byte("not a delta"),
	})
	expectQuiet(t, bob, MessageDocUpdate)

	// the session keeps working for everyone
	author := NewTextReplica(NewId())
	submit(t, hub, "s1", alice, &Message{
		Type:   MessageDocUpdate,
		Path:   "main.py",
		Update: EncodeDelta(author.Insert(0, "ok")),
	})
	received := receiveMessage(t, bob, MessageDocUpdate)
	assert.Equal(t, uint64(2), received.Version)

	state, err := hub.State("s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "ok", state.Files["main.py"])
}

func TestHubSnapshotReplacesDocument(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	hub.Join("s1", alice)
	hub.Join("s1", bob)

	replacement := NewDocument(NewId(), "fresh.py")
	replacement.Apply("fresh.py", NewTextReplica(NewId()).Insert(0, "print('hi')\n"))
	submit(t, hub, "s1", alice, &Message{
		Type:   MessageDocSnapshot,
		Update: EncodeDocument(replacement),
	})

	received := receiveMessage(t, bob, MessageDocSnapshot)
	assert.Equal(t, uint64(2), received.Version)

	state, err := hub.State("s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "print('hi')\n", state.Files["fresh.py"])
	_, ok := state.Files["main.py"]
	assert.Equal(t, false, ok)
}

func TestHubEmptySnapshotDropped(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	hub.Join("s1", alice)
	hub.Join("s1", bob)

	// validly encoded, but with every file deleted
	empty := &Document{
		agent:   NewId(),
		files:   map[string]*TextReplica{},
		folders: map[string]bool{},
	}
	submit(t, hub, "s1", alice, &Message{
		Type:   MessageDocSnapshot,
		Update: EncodeDocument(empty),
	})
	expectQuiet(t, bob, MessageDocSnapshot)

	// the session document is untouched
	state, err := hub.State("s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), state.Version)
	_, ok := state.Files["main.py"]
	assert.Equal(t, true, ok)
}

func TestHubTreeOps(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	hub.Join("s1", alice)
	hub.Join("s1", bob)

	submit(t, hub, "s1", alice, &Message{Type: MessageFileCreate, Path: "lib.py"})
	received := receiveMessage(t, bob, MessageFileCreate)
	assert.Equal(t, "lib.py", received.Path)

	// structural errors go only to the originator, with no side effects
	submit(t, hub, "s1", alice, &Message{Type: MessageFileCreate, Path: "lib.py"})
	errMessage := receiveMessage(t, alice, MessageError)
	assert.Equal(t, "lib.py", errMessage.Path)
	expectQuiet(t, bob, MessageFileCreate)

	submit(t, hub, "s1", alice, &Message{Type: MessageFolderCreate, Path: "src"})
	receiveMessage(t, bob, MessageFolderCreate)

	submit(t, hub, "s1", alice, &Message{Type: MessageFileRename, Path: "lib.py", NewPath: "src/lib.py"})
	renamed := receiveMessage(t, bob, MessageFileRename)
	assert.Equal(t, "src/lib.py", renamed.NewPath)

	state, err := hub.State("s1")
	assert.Equal(t, nil, err)
	_, ok := state.Files["src/lib.py"]
	assert.Equal(t, true, ok)
	_, ok = state.Files["lib.py"]
	assert.Equal(t, false, ok)
}

func TestHubLastFileGuard(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	hub.Join("s1", alice)

	submit(t, hub, "s1", alice, &Message{Type: MessageFileDelete, Path: "main.py"})
	errMessage := receiveMessage(t, alice, MessageError)
	assert.Equal(t, ErrLastFile.Error(), errMessage.Detail)

	state, err := hub.State("s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(state.Files))
}

func TestHubPresenceFanoutAndCleanup(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	hub.Join("s1", alice)
	hub.Join("s1", bob)
	receiveMessage(t, alice, MessagePresenceUpdate)

	submit(t, hub, "s1", bob, &Message{
		Type:   MessagePresenceUpdate,
		Cursor: &Cursor{File: "main.py", Anchor: 3, Head: 7},
	})
	// skip past bob's join announcement to the cursor-bearing update
	received := receiveMessage(t, alice, MessagePresenceUpdate)
	for received.Cursor == nil {
		received = receiveMessage(t, alice, MessagePresenceUpdate)
	}
	assert.Equal(t, "bob", received.User)
	assert.Equal(t, 7, received.Cursor.Head)

	// disconnect retires presence and the map other participants see
	hub.Leave("s1", bob)
	left := receiveMessage(t, alice, MessagePresenceLeave)
	assert.Equal(t, "bob", left.User)
	assert.Equal(t, ConnStateClosed, bob.State())

	state, err := hub.State("s1")
	assert.Equal(t, nil, err)
	_, ok := state.Presence["bob"]
	assert.Equal(t, false, ok)

	// repeated leave is a no-op
	hub.Leave("s1", bob)
	bob.Close()
}

func TestHubFollow(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	hub.Join("s1", alice)
	hub.Join("s1", bob)

	submit(t, hub, "s1", bob, &Message{Type: MessageFollowStart, TargetUser: "alice"})
	changed := receiveMessage(t, alice, MessageFollowChanged)
	assert.Equal(t, "bob", changed.Follower)
	assert.Equal(t, "alice", changed.TargetUser)

	// the follower gets an immediate viewport instruction
	receiveMessage(t, bob, MessageFollowView)

	// and a fresh one whenever the target's presence changes
	submit(t, hub, "s1", alice, &Message{
		Type:   MessagePresenceUpdate,
		Cursor: &Cursor{File: "lib.py", Anchor: 1, Head: 2},
	})
	view := receiveMessage(t, bob, MessageFollowView)
	assert.Equal(t, "bob", view.Follower)
	assert.Equal(t, "lib.py", view.Cursor.File)
	assert.Equal(t, 2, view.Cursor.Head)

	// following yourself or an absent user is ignored
	submit(t, hub, "s1", bob, &Message{Type: MessageFollowStop})
	stopped := receiveMessage(t, alice, MessageFollowChanged)
	assert.Equal(t, "", stopped.TargetUser)

	submit(t, hub, "s1", bob, &Message{Type: MessageFollowStart, TargetUser: "bob"})
	submit(t, hub, "s1", bob, &Message{Type: MessageFollowStart, TargetUser: "ghost"})
	expectQuiet(t, alice, MessageFollowChanged)
}

func TestHubFollowClearedOnTargetLeave(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	hub.Join("s1", alice)
	hub.Join("s1", bob)

	submit(t, hub, "s1", bob, &Message{Type: MessageFollowStart, TargetUser: "alice"})
	receiveMessage(t, bob, MessageFollowChanged)

	hub.Leave("s1", alice)
	receiveMessage(t, bob, MessagePresenceLeave)
	cleared := receiveMessage(t, bob, MessageFollowChanged)
	assert.Equal(t, "bob", cleared.Follower)
	assert.Equal(t, "", cleared.TargetUser)
}

func TestHubPingPong(t *testing.T) {
	hub := newTestHub(t)
	alice := NewConn("alice", 32)
	hub.Join("s1", alice)

	submit(t, hub, "s1", alice, &Message{Type: MessagePing})
	receiveMessage(t, alice, MessagePong)
	assert.Equal(t, ConnStateActive, alice.State())
}

func TestHubRehydratesFromLog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	updateLog := newTestLog(t)

	author := NewTextReplica(NewId())
	delta := author.Insert(0, "persisted")

	{
		hub := NewHub(ctx, updateLog, DefaultHubSettings())
		alice := NewConn("alice", 32)
		hub.Join("s1", alice)
		submit(t, hub, "s1", alice, &Message{
			Type:   MessageDocUpdate,
			Path:   "main.py",
			Update: EncodeDelta(delta),
		})
		// wait for the mutation to land before tearing down
		state, err := hub.State("s1")
		assert.Equal(t, nil, err)
		assert.Equal(t, uint64(2), state.Version)
		hub.Close()
		updateLog.Flush()
	}

	hub := NewHub(ctx, updateLog, DefaultHubSettings())
	t.Cleanup(hub.Close)
	content, err := hub.ReadFile("s1", "main.py")
	assert.Equal(t, nil, err)
	assert.Equal(t, "persisted", content)

	version, err := hub.State("s1")
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), version.Version)
}

func TestHubSessionsIndependent(t *testing.T) {
	hub := newTestHub(t)

	alice := NewConn("alice", 32)
	bob := NewConn("bob", 32)
	hub.Join("s1", alice)
	hub.Join("s2", bob)

	author := NewTextReplica(NewId())
	submit(t, hub, "s1", alice, &Message{
		Type:   MessageDocUpdate,
		Path:   "main.py",
		Update: EncodeDelta(author.Insert(0, "only in s1")),
	})

	expectQuiet(t, bob, MessageDocUpdate)
	content, err := hub.ReadFile("s2", "main.py")
	assert.Equal(t, nil, err)
	assert.Equal(t, "", content)
}
