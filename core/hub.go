package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Session hub. One actor goroutine per active session owns every piece
// of that session's mutable state: the document, the version counter,
// the presence map, and the follow map. Connections talk to the actor
// only through its mailbox, so there is no locking inside the session
// boundary and unrelated sessions never contend.

const (
	ConnStateConnecting = int32(iota)
	ConnStateBootstrapped
	ConnStateActive
	ConnStateClosed
)

// Conn is one participant's attachment to a session channel. The
// transport (a websocket pump, a test) drains Receive and calls Close
// when the peer goes away.
type Conn struct {
	Id   Id
	User string

	send   chan *Message
	closed chan struct{}
	state  int32

	closeOnce sync.Once
}

func NewConn(user string, sendBuffer int) *Conn {
	return &Conn{
		Id:     NewId(),
		User:   user,
		send:   make(chan *Message, sendBuffer),
		closed: make(chan struct{}),
		state:  ConnStateConnecting,
	}
}

func (self *Conn) Receive() <-chan *Message {
	return self.send
}

func (self *Conn) Closed() <-chan struct{} {
	return self.closed
}

func (self *Conn) State() int32 {
	return atomic.LoadInt32(&self.state)
}

func (self *Conn) setState(state int32) {
	if atomic.LoadInt32(&self.state) != ConnStateClosed {
		atomic.StoreInt32(&self.state, state)
	}
}

// Close is terminal and idempotent.
func (self *Conn) Close() {
	self.closeOnce.Do(func() {
		atomic.StoreInt32(&self.state, ConnStateClosed)
		close(self.closed)
	})
}

// trySend never blocks. A full send buffer reports failure so the actor
// can evict the slow consumer instead of stalling the session.
func (self *Conn) trySend(message *Message) bool {
	select {
	case <-self.closed:
		return false
	default:
	}
	select {
	case self.send <- message:
		return true
	default:
		return false
	}
}

type HubSettings struct {
	SendBuffer       int
	MailboxSize      int
	DefaultFileName  string
	PresenceTtl      time.Duration
	PruneInterval    time.Duration
	SnapshotInterval int
	JoinTimeout      time.Duration
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		SendBuffer:       32,
		MailboxSize:      256,
		DefaultFileName:  "main.py",
		PresenceTtl:      30 * time.Second,
		PruneInterval:    10 * time.Second,
		SnapshotInterval: 32,
		JoinTimeout:      5 * time.Second,
	}
}

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	log      *UpdateLog
	settings *HubSettings

	mutex    sync.Mutex
	sessions map[string]*sessionActor
}

func NewHubWithDefaults(ctx context.Context, log *UpdateLog) *Hub {
	return NewHub(ctx, log, DefaultHubSettings())
}

func NewHub(ctx context.Context, log *UpdateLog, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		log:      log,
		settings: settings,
		sessions: map[string]*sessionActor{},
	}
}

// actor returns the live actor for a session, rehydrating it from the
// update log on first use.
func (self *Hub) actor(sessionId string) (*sessionActor, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if actor, ok := self.sessions[sessionId]; ok {
		return actor, nil
	}
	actor, err := newSessionActor(self.ctx, self, sessionId)
	if err != nil {
		return nil, err
	}
	self.sessions[sessionId] = actor
	return actor, nil
}

// Join attaches a connection to a session's broadcast group and returns
// the bootstrap payload: a snapshot of the document, the version, the
// presence map, and the follow map.
func (self *Hub) Join(sessionId string, conn *Conn) (*Message, error) {
	if conn.State() == ConnStateClosed {
		return nil, ErrConnClosed
	}
	actor, err := self.actor(sessionId)
	if err != nil {
		return nil, err
	}
	reply := make(chan *Message, 1)
	if err := actor.post(&joinEvent{conn: conn, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case <-time.After(self.settings.JoinTimeout):
		return nil, ErrSessionNotFound
	case bootstrap := <-reply:
		conn.setState(ConnStateBootstrapped)
		return bootstrap, nil
	}
}

// Submit routes one raw inbound frame. Malformed frames are logged and
// dropped; they never touch session state.
func (self *Hub) Submit(sessionId string, conn *Conn, raw []byte) error {
	if conn.State() == ConnStateClosed {
		return ErrConnClosed
	}
	message, err := ParseMessage(raw)
	if err != nil {
		glog.Infof("[hub]%s drop malformed message = %s\n", sessionId, err)
		return nil
	}
	actor, err := self.actor(sessionId)
	if err != nil {
		return err
	}
	conn.setState(ConnStateActive)
	return actor.post(&messageEvent{conn: conn, message: message})
}

// Leave detaches a connection, evicts its presence entry, clears follow
// relations that name it, and broadcasts presence.leave. Repeated
// leaves are no-ops.
func (self *Hub) Leave(sessionId string, conn *Conn) {
	self.mutex.Lock()
	actor, ok := self.sessions[sessionId]
	self.mutex.Unlock()
	if ok {
		actor.post(&leaveEvent{conn: conn})
	}
	conn.Close()
}

// SessionState is a read-only view used by callers outside the session
// actor.
type SessionState struct {
	Version   uint64
	Files     map[string]string
	Folders   []string
	Presence  map[string]*Cursor
	Following map[string]string
}

// State snapshots a session's materialized state.
func (self *Hub) State(sessionId string) (*SessionState, error) {
	actor, err := self.actor(sessionId)
	if err != nil {
		return nil, err
	}
	reply := make(chan *SessionState, 1)
	if err := actor.post(&stateEvent{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case state := <-reply:
		return state, nil
	}
}

// ReadFile reads one file's materialized content through the owning
// actor.
func (self *Hub) ReadFile(sessionId string, path string) (string, error) {
	state, err := self.State(sessionId)
	if err != nil {
		return "", err
	}
	content, ok := state.Files[NormalizePath(path)]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

func (self *Hub) Close() {
	self.cancel()
}

type joinEvent struct {
	conn  *Conn
	reply chan *Message
}

type leaveEvent struct {
	conn *Conn
}

type messageEvent struct {
	conn    *Conn
	message *Message
}

type stateEvent struct {
	reply chan *SessionState
}

type sessionActor struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub       *Hub
	sessionId string
	agent     Id
	mailbox   chan any

	doc      *Document
	version  uint64
	presence *presenceTracker
	follow   *followCoordinator
	conns    map[Id]*Conn

	entriesSinceSnapshot int
}

func newSessionActor(ctx context.Context, hub *Hub, sessionId string) (*sessionActor, error) {
	agent := NewId()
	state, err := hub.log.Bootstrap(sessionId)
	if err != nil {
		return nil, err
	}
	doc, err := RehydrateDocument(state, agent, hub.settings.DefaultFileName)
	if err != nil {
		return nil, err
	}
	version := state.Version
	if version == 0 {
		version = 1
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	actor := &sessionActor{
		ctx:       cancelCtx,
		cancel:    cancel,
		hub:       hub,
		sessionId: sessionId,
		agent:     agent,
		mailbox:   make(chan any, hub.settings.MailboxSize),
		doc:       doc,
		version:   version,
		presence:  newPresenceTracker(hub.settings.PresenceTtl),
		follow:    newFollowCoordinator(),
		conns:     map[Id]*Conn{},
	}
	go actor.run()
	return actor, nil
}

func (self *sessionActor) post(event any) error {
	select {
	case <-self.ctx.Done():
		return self.ctx.Err()
	case self.mailbox <- event:
		return nil
	}
}

func (self *sessionActor) run() {
	defer self.cancel()

	prune := time.NewTicker(self.hub.settings.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-prune.C:
			self.pruneStale()
		case event := <-self.mailbox:
			switch v := event.(type) {
			case *joinEvent:
				self.handleJoin(v)
			case *leaveEvent:
				self.handleLeave(v.conn)
			case *messageEvent:
				self.handleMessage(v.conn, v.message)
			case *stateEvent:
				v.reply <- &SessionState{
					Version:   self.version,
					Files:     self.doc.Files(),
					Folders:   self.doc.Folders(),
					Presence:  self.presence.snapshot(),
					Following: self.follow.snapshot(),
				}
			}
		}
	}
}

func (self *sessionActor) handleJoin(event *joinEvent) {
	conn := event.conn
	self.conns[conn.Id] = conn
	self.presence.update(conn.User, nil, time.Now())
	self.broadcast(nil, &Message{
		Type:      MessagePresenceUpdate,
		SessionId: self.sessionId,
		User:      conn.User,
	})
	self.pruneStale()

	event.reply <- &Message{
		Type:      MessageBootstrap,
		SessionId: self.sessionId,
		Snapshot:  EncodeDocument(self.doc),
		Version:   self.version,
		Presence:  self.presence.snapshot(),
		Following: self.follow.snapshot(),
		Folders:   self.doc.Folders(),
	}
}

func (self *sessionActor) handleLeave(conn *Conn) {
	if _, ok := self.conns[conn.Id]; !ok {
		return
	}
	delete(self.conns, conn.Id)
	conn.Close()

	for _, other := range self.conns {
		if other.User == conn.User {
			// the user still has another connection open
			return
		}
	}
	self.retireUser(conn.User)
}

// retireUser evicts presence and follow state when a user's last
// connection is gone or its presence went stale.
func (self *sessionActor) retireUser(user string) {
	if !self.presence.remove(user) {
		return
	}
	orphaned := self.follow.clearUser(user)
	self.broadcast(nil, &Message{
		Type:      MessagePresenceLeave,
		SessionId: self.sessionId,
		User:      user,
	})
	for _, follower := range orphaned {
		self.broadcast(nil, &Message{
			Type:      MessageFollowChanged,
			SessionId: self.sessionId,
			Follower:  follower,
		})
	}
}

func (self *sessionActor) pruneStale() {
	for _, user := range self.presence.pruneStale(time.Now()) {
		orphaned := self.follow.clearUser(user)
		self.broadcast(nil, &Message{
			Type:      MessagePresenceLeave,
			SessionId: self.sessionId,
			User:      user,
		})
		for _, follower := range orphaned {
			self.broadcast(nil, &Message{
				Type:      MessageFollowChanged,
				SessionId: self.sessionId,
				Follower:  follower,
			})
		}
	}
}

func (self *sessionActor) handleMessage(conn *Conn, message *Message) {
	// any inbound traffic counts as liveness
	self.presence.touch(conn.User, time.Now())
	switch message.Type {
	case MessagePing:
		conn.trySend(&Message{Type: MessagePong, SessionId: self.sessionId})
	case MessageDocUpdate:
		self.handleDocUpdate(conn, message)
	case MessageDocSnapshot:
		self.handleDocSnapshot(conn, message)
	case MessageFileCreate, MessageFileDelete, MessageFileRename,
		MessageFolderCreate, MessageFolderDelete:
		self.handleTreeOp(conn, message)
	case MessagePresenceUpdate:
		self.handlePresenceUpdate(conn, message)
	case MessageFollowStart:
		self.handleFollowStart(conn, message)
	case MessageFollowStop:
		self.follow.unfollow(conn.User)
		self.broadcast(nil, &Message{
			Type:      MessageFollowChanged,
			SessionId: self.sessionId,
			Follower:  conn.User,
		})
	}
}

func (self *sessionActor) handleDocUpdate(conn *Conn, message *Message) {
	delta, err := DecodeDelta(message.Update)
	if err != nil {
		// one bad client must not break the session for others
		glog.Infof("[hub]%s drop malformed delta from %s = %s\n", self.sessionId, conn.User, err)
		return
	}
	path := NormalizePath(message.Path)
	self.doc.Apply(path, delta)
	self.version += 1
	self.hub.log.Append(self.sessionId, self.version, &LogEntry{
		Kind:  EntryDelta,
		Path:  path,
		Delta: message.Update,
	})
	// the sender already holds this state after its local apply
	self.broadcast(conn, &Message{
		Type:      MessageDocUpdate,
		SessionId: self.sessionId,
		FromUser:  conn.User,
		Path:      path,
		Update:    message.Update,
		Version:   self.version,
	})
	self.entriesSinceSnapshot += 1
	self.maybeSnapshot()
}

func (self *sessionActor) handleDocSnapshot(conn *Conn, message *Message) {
	doc, err := DecodeDocument(message.Update, self.agent)
	if err != nil {
		glog.Infof("[hub]%s drop malformed snapshot from %s = %s\n", self.sessionId, conn.User, err)
		return
	}
	if len(doc.files) == 0 {
		// a document always has at least one file
		glog.Infof("[hub]%s drop empty snapshot from %s\n", self.sessionId, conn.User)
		return
	}
	self.doc = doc
	self.version += 1
	self.hub.log.Snapshot(self.sessionId, self.version, message.Update)
	self.entriesSinceSnapshot = 0
	self.broadcast(conn, &Message{
		Type:      MessageDocSnapshot,
		SessionId: self.sessionId,
		FromUser:  conn.User,
		Update:    message.Update,
		Version:   self.version,
	})
}

func (self *sessionActor) handleTreeOp(conn *Conn, message *Message) {
	path := NormalizePath(message.Path)
	newPath := NormalizePath(message.NewPath)

	var err error
	var kind byte
	switch message.Type {
	case MessageFileCreate:
		kind = EntryFileCreate
		err = self.doc.CreateFile(path)
	case MessageFileDelete:
		kind = EntryFileDelete
		err = self.doc.DeleteFile(path)
	case MessageFileRename:
		kind = EntryFileRename
		err = self.doc.RenameFile(path, newPath)
	case MessageFolderCreate:
		kind = EntryFolderCreate
		err = self.doc.CreateFolder(path)
	case MessageFolderDelete:
		kind = EntryFolderDelete
		err = self.doc.DeleteFolder(path)
	}
	if err != nil {
		// structural errors go back to the originator only, with no
		// side effects on shared state
		conn.trySend(&Message{
			Type:      MessageError,
			SessionId: self.sessionId,
			Path:      path,
			Detail:    err.Error(),
		})
		return
	}

	self.version += 1
	self.hub.log.Append(self.sessionId, self.version, &LogEntry{
		Kind:    kind,
		Path:    path,
		NewPath: newPath,
	})
	self.broadcast(nil, &Message{
		Type:      message.Type,
		SessionId: self.sessionId,
		FromUser:  conn.User,
		Path:      path,
		NewPath:   newPath,
		Version:   self.version,
	})
	self.entriesSinceSnapshot += 1
	self.maybeSnapshot()
}

func (self *sessionActor) handlePresenceUpdate(conn *Conn, message *Message) {
	self.presence.update(conn.User, message.Cursor, time.Now())
	self.broadcast(nil, &Message{
		Type:      MessagePresenceUpdate,
		SessionId: self.sessionId,
		User:      conn.User,
		Cursor:    message.Cursor,
	})
	// republish viewports for everyone following this user
	entry := self.presence.get(conn.User)
	for _, follower := range self.follow.followersOf(conn.User) {
		self.sendToUser(follower, viewFor(self.sessionId, follower, entry))
	}
}

func (self *sessionActor) handleFollowStart(conn *Conn, message *Message) {
	target := message.TargetUser
	if target == "" || target == conn.User || !self.presence.has(target) {
		return
	}
	self.follow.follow(conn.User, target)
	self.broadcast(nil, &Message{
		Type:       MessageFollowChanged,
		SessionId:  self.sessionId,
		Follower:   conn.User,
		TargetUser: target,
	})
	self.sendToUser(conn.User, viewFor(self.sessionId, conn.User, self.presence.get(target)))
}

// maybeSnapshot compacts the log after every SnapshotInterval accepted
// mutations. The snapshot is tagged with the version at which it was
// produced; compaction does not advance the version.
func (self *sessionActor) maybeSnapshot() {
	if self.entriesSinceSnapshot < self.hub.settings.SnapshotInterval {
		return
	}
	self.entriesSinceSnapshot = 0
	self.hub.log.Snapshot(self.sessionId, self.version, EncodeDocument(self.doc))
}

func (self *sessionActor) broadcast(except *Conn, message *Message) {
	var failed []*Conn
	for _, conn := range self.conns {
		if except != nil && conn.Id == except.Id {
			continue
		}
		if !conn.trySend(message) {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		// closed or backed up beyond the send buffer
		glog.Infof("[hub]%s evict slow connection %s\n", self.sessionId, conn.Id)
		self.handleLeave(conn)
	}
}

func (self *sessionActor) sendToUser(user string, message *Message) {
	for _, conn := range self.conns {
		if conn.User == user {
			conn.trySend(message)
		}
	}
}
