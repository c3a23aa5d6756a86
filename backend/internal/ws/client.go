package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/revsync"
)

var ErrUnknownObject = errors.New("UNKNOWN_OBJECT")

type ClientOptions struct {
	// BaseURL is the HTTP root used for document fetches, e.g. http://host:8080.
	BaseURL string
	Token   string
	UserID  string
	// Disk, when set, backs every opened document's revision cache.
	Disk revision.DiskStore
}

// Client is the editing side of the protocol: one socket, any number of
// open documents, each driven by a revision.Manager.
type Client struct {
	opt  ClientOptions
	conn *websocket.Conn
	http *http.Client

	writeMu sync.Mutex

	mu   sync.RWMutex
	docs map[string]*revision.Manager

	retryMu sync.Mutex
	retries map[string]*time.Timer
	closing bool
}

func Dial(ctx context.Context, opt ClientOptions) (*Client, error) {
	wsURL, err := toWebSocketURL(opt.BaseURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opt.Token != "" {
		header.Set("Authorization", "Bearer "+opt.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &Client{
		opt:  opt,
		conn: conn,
		http:    &http.Client{},
		docs:    make(map[string]*revision.Manager),
		retries: make(map[string]*time.Timer),
	}, nil
}

func toWebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/collab/ws"
	return u.String(), nil
}

// Open fetches objectID over HTTP, starts tracking it and asks the server
// for anything newer. A revision a previous run left unacknowledged on
// disk is sent again first.
func (c *Client) Open(ctx context.Context, objectID string) (*revision.Manager, error) {
	view, err := c.fetch(ctx, objectID)
	if err != nil {
		return nil, err
	}
	m, err := revision.NewManager(revision.ManagerOptions{
		ObjectID: objectID,
		Author:   c.opt.UserID,
		Kind:     view.Kind,
		Snapshot: view.JSON,
		RevID:    view.RevID,
		Disk:     c.opt.Disk,
		Sender:   c,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.docs[objectID] = m
	c.mu.Unlock()
	if _, err := m.RestorePending(ctx); err != nil {
		log.Printf("client restore failed object=%s err=%v", objectID, err)
	}
	return m, c.Ping(objectID, view.RevID)
}

func (c *Client) fetch(ctx context.Context, objectID string) (revsync.DocumentView, error) {
	u := strings.TrimSuffix(c.opt.BaseURL, "/") + "/collab/documents/" + url.PathEscape(objectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return revsync.DocumentView{}, err
	}
	if c.opt.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opt.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return revsync.DocumentView{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return revsync.DocumentView{}, fmt.Errorf("fetch %s: %s: %s", objectID, resp.Status, body)
	}
	var view revsync.DocumentView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return revsync.DocumentView{}, fmt.Errorf("decode %s: %w", objectID, err)
	}
	return view, nil
}

func (c *Client) manager(objectID string) (*revision.Manager, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.docs[objectID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", objectID, ErrUnknownObject)
	}
	return m, nil
}

// SendRevision implements revision.Sender.
func (c *Client) SendRevision(_ context.Context, rev revision.Revision) error {
	return c.write(NewEnvelope(rev.ObjectID, TypeClientPushRevision, rev.Marshal()))
}

func (c *Client) Ping(objectID string, revID int64) error {
	return c.write(NewEnvelope(objectID, TypeClientPing, revIDPayload(revID)))
}

func (c *Client) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, env.Marshal())
}

// Edit applies encoded ops locally and syncs them.
func (c *Client) Edit(ctx context.Context, objectID string, ops []byte) error {
	m, err := c.manager(objectID)
	if err != nil {
		return err
	}
	return m.LocalEdit(ctx, ops)
}

// ReplaceText edits a text document into text, diffing against the
// current content.
func (c *Client) ReplaceText(ctx context.Context, objectID, text string) error {
	m, err := c.manager(objectID)
	if err != nil {
		return err
	}
	before, err := c.Text(objectID)
	if err != nil {
		return err
	}
	d := delta.FromDiff(before, text)
	if d.IsNoop() {
		return nil
	}
	ops, err := d.Bytes()
	if err != nil {
		return err
	}
	return m.LocalEdit(ctx, ops)
}

// Text returns the plain content of a text document.
func (c *Client) Text(objectID string) (string, error) {
	m, err := c.manager(objectID)
	if err != nil {
		return "", err
	}
	js, err := m.Document()
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(js, &s); err == nil {
		return s, nil
	}
	doc, err := delta.FromBytes(js)
	if err != nil {
		return "", fmt.Errorf("%s is not a text document: %w", objectID, collab.ErrUnknownKind)
	}
	return doc.Content(), nil
}

// Resync drops local state for objectID and reloads it from the server.
func (c *Client) Resync(ctx context.Context, objectID string) error {
	m, err := c.manager(objectID)
	if err != nil {
		return err
	}
	view, err := c.fetch(ctx, objectID)
	if err != nil {
		return err
	}
	if err := m.Reset(ctx, view.JSON, view.RevID); err != nil {
		return err
	}
	return c.Ping(objectID, view.RevID)
}

// Run reads server frames until ctx ends or the socket closes.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		env, err := UnmarshalEnvelope(data)
		if err != nil {
			log.Printf("client drop frame err=%v", err)
			continue
		}
		if err := c.handle(ctx, env); err != nil {
			log.Printf("client %s on %s failed err=%v", env.Type, env.ObjectID, err)
		}
	}
}

func (c *Client) handle(ctx context.Context, env Envelope) error {
	if env.Type == TypeServerPresence {
		return nil
	}
	m, err := c.manager(env.ObjectID)
	if err != nil {
		return err
	}

	switch env.Type {
	case TypeServerAck:
		revID, err := parseRevID(env.Payload)
		if err != nil {
			return err
		}
		return c.recoverSync(ctx, m, m.HandleAck(ctx, revID))

	case TypeServerPush, TypeServerNewRevision:
		rev, err := revision.UnmarshalRevision(env.Payload)
		if err != nil {
			return err
		}
		rev.ObjectID = env.ObjectID
		if env.Type == TypeServerPush {
			err = m.HandlePush(ctx, rev)
		} else {
			err = m.HandleNewRevision(ctx, rev)
		}
		return c.recoverSync(ctx, m, err)

	case TypeServerCatchUp:
		revs, err := parseCatchUp(env.Payload)
		if err != nil {
			return err
		}
		for _, rev := range revs {
			rev.ObjectID = env.ObjectID
			if err := m.HandlePush(ctx, rev); err != nil {
				return c.recoverSync(ctx, m, err)
			}
		}
		return nil

	case TypeServerPull:
		r, err := revision.UnmarshalRange(env.Payload)
		if err != nil {
			return err
		}
		revs, err := m.HandlePull(ctx, r)
		if err != nil {
			return err
		}
		for _, rev := range revs {
			if err := c.SendRevision(ctx, rev); err != nil {
				return err
			}
		}
		return nil

	case TypeServerError:
		code, msg, err := parseError(env.Payload)
		if err != nil {
			return err
		}
		log.Printf("client server error object=%s code=%s msg=%s", env.ObjectID, code, msg)
		switch code {
		case revsync.ErrServerAheadOfClient.Error(), revsync.ErrChecksumMismatch.Error(),
			revsync.ErrInvalidRevision.Error():
			return c.Resync(ctx, env.ObjectID)
		case revsync.ErrPersistFailed.Error(), collab.ErrAcquireTimeout.Error(), codeInternal:
			c.scheduleResend(m)
		}
		return nil
	}
	return nil
}

// scheduleResend sends the in-flight revision again after the manager's
// backoff. A newer failure replaces a pending resend.
func (c *Client) scheduleResend(m *revision.Manager) {
	delay, ok := m.RetryDelay()
	if !ok {
		return
	}
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	if c.closing {
		return
	}
	objectID := m.ObjectID()
	if t := c.retries[objectID]; t != nil {
		t.Stop()
	}
	c.retries[objectID] = time.AfterFunc(delay, func() {
		if err := m.Resend(context.Background()); err != nil {
			log.Printf("client resend failed object=%s err=%v", objectID, err)
		}
	})
}

// recoverSync handles the errors that mean the local copy can not continue.
func (c *Client) recoverSync(ctx context.Context, m *revision.Manager, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, revision.ErrMissingRevision):
		return c.Ping(m.ObjectID(), m.RevID())
	case errors.Is(err, revision.ErrChecksumMismatch):
		return c.Resync(ctx, m.ObjectID())
	}
	return err
}

func (c *Client) Close() error {
	c.retryMu.Lock()
	c.closing = true
	for _, t := range c.retries {
		t.Stop()
	}
	c.retryMu.Unlock()

	c.mu.RLock()
	docs := make([]*revision.Manager, 0, len(c.docs))
	for _, m := range c.docs {
		docs = append(docs, m)
	}
	c.mu.RUnlock()
	for _, m := range docs {
		if err := m.Close(context.Background()); err != nil {
			log.Printf("client flush failed object=%s err=%v", m.ObjectID(), err)
		}
	}
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
