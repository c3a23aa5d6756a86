package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/revsync"
)

var (
	ErrSessionClosed = errors.New("SESSION_CLOSED")
	ErrSendQueueFull = errors.New("SEND_QUEUE_FULL")
)

type SessionState int32

const (
	Connecting SessionState = iota
	Connected
	Disconnected
)

const (
	sendQueueSize = 32
	catchUpBatch  = 256
	writeWait     = 5 * time.Second
	applyTimeout  = 5 * time.Second
	presenceTTL   = 60 * time.Second
)

// Session is one websocket connection. It is the revsync.RevisionUser for
// every document the connection touches.
type Session struct {
	id       string
	userID   string
	username string

	ws       *websocket.Conn
	hub      *Hub
	docs     *revsync.Manager
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl

	interval time.Duration
	timeout  time.Duration

	state    atomic.Int32
	lastSeen atomic.Int64

	mu     sync.Mutex
	send   chan Envelope
	closed bool
	rooms  map[string]struct{}

	cleanup sync.Once
}

func (s *Session) UserID() string    { return s.userID }
func (s *Session) SessionID() string { return s.id }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Receive turns a synchronizer response into an outbound frame.
func (s *Session) Receive(r revsync.Response) error {
	var env Envelope
	switch r.Kind {
	case revsync.ResponsePull:
		env = NewEnvelope(r.ObjectID, TypeServerPull, r.Range.Marshal())
	case revsync.ResponsePush:
		env = NewEnvelope(r.ObjectID, TypeServerPush, r.Revision.Marshal())
	case revsync.ResponseAck:
		env = NewEnvelope(r.ObjectID, TypeServerAck, revIDPayload(r.RevID))
	case revsync.ResponseNewRevision:
		env = NewEnvelope(r.ObjectID, TypeServerNewRevision, r.Revision.Marshal())
	case revsync.ResponseCatchUp:
		return s.enqueueCatchUp(r)
	default:
		return nil
	}
	return s.Enqueue(env)
}

// enqueueCatchUp packs missing revisions into as few frames as possible.
func (s *Session) enqueueCatchUp(r revsync.Response) error {
	for start := 0; start < len(r.Revisions); start += catchUpBatch {
		end := min(start+catchUpBatch, len(r.Revisions))
		if err := s.Enqueue(NewEnvelope(r.ObjectID, TypeServerCatchUp, catchUpPayload(r.Revisions[start:end]))); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue never blocks. A closed queue drops the frame; a full one drops
// it and closes the session.
func (s *Session) Enqueue(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- env:
		return nil
	default:
		// a client this far behind can not recover from a gap; drop it
		log.Printf("ws send queue full, closing session=%s type=%s object=%s", s.id, env.Type, env.ObjectID)
		go s.close(context.Background())
		return ErrSendQueueFull
	}
}

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) sendError(objectID string, err error) {
	if e := s.Enqueue(NewEnvelope(objectID, TypeServerError, errorPayload(errorCode(err), err.Error()))); e != nil {
		log.Printf("ws drop error reply session=%s object=%s err=%v", s.id, objectID, e)
	}
}

var errorCodes = []error{
	revsync.ErrServerAheadOfClient,
	revsync.ErrChecksumMismatch,
	revsync.ErrInvalidRevision,
	revsync.ErrPersistFailed,
	revsync.ErrDocumentNotFound,
	collab.ErrAcquireTimeout,
}

const codeInternal = "INTERNAL"

func errorCode(err error) string {
	for _, target := range errorCodes {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return codeInternal
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws read error session=%s user=%s err=%v", s.id, s.userID, err)
			}
			return
		}
		s.touch()
		if mt != websocket.BinaryMessage {
			log.Printf("ws drop non-binary frame session=%s", s.id)
			continue
		}
		env, err := UnmarshalEnvelope(data)
		if err != nil {
			log.Printf("ws drop frame session=%s err=%v", s.id, err)
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *Session) dispatch(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeClientPushRevision:
		rev, err := revision.UnmarshalRevision(env.Payload)
		if err != nil {
			log.Printf("ws drop revision session=%s object=%s err=%v", s.id, env.ObjectID, err)
			return
		}
		rev.ObjectID = env.ObjectID
		rev.Author = s.userID
		s.handleRevision(ctx, rev)

	case TypeClientPing:
		revID, err := parseRevID(env.Payload)
		if err != nil {
			log.Printf("ws drop ping session=%s object=%s err=%v", s.id, env.ObjectID, err)
			return
		}
		if !s.join(ctx, env.ObjectID) {
			return
		}
		connCtx, cancel := context.WithTimeout(ctx, applyTimeout)
		err = s.docs.NewConnection(connCtx, env.ObjectID, s, revID)
		cancel()
		if err != nil {
			log.Printf("ws catch up failed session=%s object=%s rev=%d err=%v", s.id, env.ObjectID, revID, err)
			s.sendError(env.ObjectID, err)
		}
		s.leaveIfClosed(env.ObjectID)

	default:
		log.Printf("ws drop unexpected type session=%s type=%s", s.id, env.Type)
	}
}

func (s *Session) handleRevision(ctx context.Context, rev revision.Revision) {
	if !s.join(ctx, rev.ObjectID) {
		return
	}
	applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	if s.sem != nil {
		if err := s.sem.Acquire(applyCtx); err != nil {
			s.sendError(rev.ObjectID, err)
			return
		}
		defer s.sem.Release()
	}

	if err := s.docs.ApplyRevision(applyCtx, s, rev); err != nil {
		log.Printf("ws revision rejected session=%s %s err=%v", s.id, rev, err)
		s.sendError(rev.ObjectID, err)
	}
	s.leaveIfClosed(rev.ObjectID)
}

// leaveIfClosed undoes a registration that raced with close. close only
// removes the session from rooms it saw.
func (s *Session) leaveIfClosed(objectID string) {
	if !s.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if err := s.docs.RemoveUser(ctx, objectID, s.id); err != nil {
		log.Printf("ws remove user failed session=%s object=%s err=%v", s.id, objectID, err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// join puts the session into the object's room on first use. Unknown
// objects are logged and the frame dropped.
func (s *Session) join(ctx context.Context, objectID string) bool {
	s.mu.Lock()
	_, ok := s.rooms[objectID]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	if ok {
		return true
	}
	openCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	_, err := s.docs.Open(openCtx, objectID)
	cancel()
	if err != nil {
		log.Printf("ws drop frame for object=%s session=%s err=%v", objectID, s.id, err)
		return false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.rooms[objectID] = struct{}{}
	// under s.mu so close sees either no room or room and hub entry
	s.hub.Join(objectID, s)
	s.mu.Unlock()
	if s.presence != nil {
		if err := s.presence.AddMember(ctx, objectID, s.userID, s.username, presenceTTL); err != nil {
			log.Printf("presence add failed object=%s user=%s err=%v", objectID, s.userID, err)
		}
		s.broadcastPresence(ctx, objectID)
	}
	return true
}

func (s *Session) broadcastPresence(ctx context.Context, objectID string) {
	members, err := s.presence.GetAliveMembersWithNames(ctx, objectID)
	if err != nil {
		log.Printf("presence read failed object=%s err=%v", objectID, err)
		return
	}
	out := make([]PresenceMember, 0, len(members))
	for _, m := range members {
		out = append(out, PresenceMember{UserID: m.UserID, Username: m.Username})
	}
	s.hub.BroadcastPresence(objectID, out)
}

func (s *Session) writeLoop() {
	for env := range s.send {
		_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.ws.WriteMessage(websocket.BinaryMessage, env.Marshal()); err != nil {
			log.Printf("ws write error session=%s err=%v", s.id, err)
			_ = s.ws.Close()
			return
		}
	}
}

// heartbeat pings every interval and drops the session once nothing was
// heard for the timeout.
func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, s.lastSeen.Load()))
		if idle > s.timeout {
			log.Printf("ws heartbeat timeout session=%s user=%s idle=%s", s.id, s.userID, idle)
			s.close(context.Background())
			return
		}
		if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			log.Printf("ws ping failed session=%s err=%v", s.id, err)
		}
		if s.presence != nil {
			for _, objectID := range s.roomIDs() {
				if err := s.presence.AddMember(ctx, objectID, s.userID, s.username, presenceTTL); err != nil {
					log.Printf("presence refresh failed object=%s user=%s err=%v", objectID, s.userID, err)
				}
			}
		}
	}
}

func (s *Session) roomIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// close deregisters the session everywhere and closes the socket. Work
// already queued in synchronizers still runs; its replies are dropped.
func (s *Session) close(ctx context.Context) {
	s.cleanup.Do(func() {
		s.state.Store(int32(Disconnected))

		s.mu.Lock()
		s.closed = true
		close(s.send)
		rooms := make([]string, 0, len(s.rooms))
		for id := range s.rooms {
			rooms = append(rooms, id)
		}
		s.mu.Unlock()

		for _, objectID := range rooms {
			s.hub.Leave(objectID, s)
			if err := s.docs.RemoveUser(ctx, objectID, s.id); err != nil {
				log.Printf("ws remove user failed session=%s object=%s err=%v", s.id, objectID, err)
			}
			if s.presence != nil {
				if err := s.presence.RemoveMember(ctx, objectID, s.userID); err != nil {
					log.Printf("presence remove failed object=%s user=%s err=%v", objectID, s.userID, err)
				}
				s.broadcastPresence(ctx, objectID)
			}
		}
		_ = s.ws.Close()
	})
}
