package logstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/commons"
)

// DefaultRequestTimeout bounds requests made without a caller context, like
// subscribing.
const DefaultRequestTimeout = 30 * time.Second

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithRemoteLogger sets the logger of a Remote.
func WithRemoteLogger(logger logrus.FieldLogger) RemoteOption {
	return func(r *Remote) {
		r.logger = logger
	}
}

// WithHeader sets headers sent with the websocket handshake.
func WithHeader(header http.Header) RemoteOption {
	return func(r *Remote) {
		r.header = header
	}
}

// remoteDoc mirrors the log of a subscribed document, so that later local
// subscribers can be replayed without asking the server again.
type remoteDoc struct {
	entries  []Entry
	index    map[string]int
	handlers map[int]Handler
}

var _ Store = (*Remote)(nil)

// Remote is a Store backed by a pairdoc server over a websocket.
type Remote struct {
	conn   *websocket.Conn
	header http.Header
	logger logrus.FieldLogger

	writeMu sync.Mutex

	// mu guards the fields below. Notifications are dispatched while holding it.
	mu      sync.Mutex
	pending map[string]chan commons.Message
	docs    map[string]*remoteDoc
	next    int
	err     error

	done chan struct{}
}

// Dial connects to the pairdoc server at url, for example ws://localhost:8080/.
func Dial(ctx context.Context, url string, opts ...RemoteOption) (*Remote, error) {
	r := &Remote{
		logger:  logrus.StandardLogger(),
		pending: make(map[string]chan commons.Message),
		docs:    make(map[string]*remoteDoc),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 2 * time.Minute,
	}
	conn, _, err := dialer.DialContext(ctx, url, r.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	r.conn = conn

	go r.readLoop()
	return r, nil
}

// readLoop reads messages from the connection until it fails, handing replies
// to their requests and notifications to subscribers.
func (r *Remote) readLoop() {
	for {
		var msg commons.Message

		err := r.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Errorf("websocket error: %v", err)
			}
			r.shutdown(err)
			return
		}

		switch msg.Type {
		case commons.AckMessage, commons.ErrorMessage:
			r.mu.Lock()
			ch, ok := r.pending[msg.ReqID]
			delete(r.pending, msg.ReqID)
			r.mu.Unlock()
			if ok {
				ch <- msg
			}

		case commons.AddedMessage, commons.ChangedMessage:
			if msg.Entry == nil {
				continue
			}
			r.dispatch(msg.Type, msg.Doc, *msg.Entry)

		default:
			r.logger.WithField("type", msg.Type).Warn("unexpected message from server")
		}
	}
}

func (r *Remote) dispatch(typ commons.MessageType, doc string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.docs[doc]
	if !ok {
		return
	}

	if typ == commons.AddedMessage {
		d.index[e.ID] = len(d.entries)
		d.entries = append(d.entries, e)
		for _, h := range d.handlers {
			h.EntryAdded(cloneEntry(e))
		}
		return
	}

	if i, ok := d.index[e.ID]; ok {
		d.entries[i] = e
	}
	for _, h := range d.handlers {
		h.EntryChanged(cloneEntry(e))
	}
}

// shutdown fails every pending request and stops the store.
func (r *Remote) shutdown(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return
	}
	r.err = err
	r.pending = make(map[string]chan commons.Message)
	r.docs = make(map[string]*remoteDoc)
	close(r.done)
}

// request sends msg and waits for its reply.
func (r *Remote) request(ctx context.Context, msg commons.Message) (commons.Message, error) {
	msg.ReqID = uuid.NewString()
	ch := make(chan commons.Message, 1)

	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return commons.Message{}, ErrClosed
	}
	r.pending[msg.ReqID] = ch
	r.mu.Unlock()

	r.writeMu.Lock()
	err := r.conn.WriteJSON(msg)
	r.writeMu.Unlock()
	if err != nil {
		r.forget(msg.ReqID)
		return commons.Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case resp := <-ch:
		if resp.Type == commons.ErrorMessage {
			return resp, remoteError(resp.Error)
		}
		return resp, nil
	case <-r.done:
		return commons.Message{}, ErrClosed
	case <-ctx.Done():
		r.forget(msg.ReqID)
		return commons.Message{}, ctx.Err()
	}
}

func (r *Remote) forget(reqID string) {
	r.mu.Lock()
	delete(r.pending, reqID)
	r.mu.Unlock()
}

// remoteError restores sentinel errors sent back by the server.
func remoteError(text string) error {
	for _, sentinel := range []error{ErrNotFound, ErrClosed} {
		if text == sentinel.Error() {
			return sentinel
		}
	}
	return errors.New(text)
}

func (r *Remote) Append(ctx context.Context, doc string, entry Entry) (string, error) {
	resp, err := r.request(ctx, commons.Message{Type: commons.AppendMessage, Doc: doc, Entry: &entry})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *Remote) Update(ctx context.Context, doc, id string, entry Entry) error {
	_, err := r.request(ctx, commons.Message{Type: commons.UpdateMessage, Doc: doc, ID: id, Entry: &entry})
	return err
}

func (r *Remote) Snapshot(ctx context.Context, doc string) (Snapshot, bool, error) {
	resp, err := r.request(ctx, commons.Message{Type: commons.SnapshotGetMessage, Doc: doc})
	if err != nil {
		return Snapshot{}, false, err
	}
	if !resp.Found || resp.Snapshot == nil {
		return Snapshot{}, false, nil
	}
	return *resp.Snapshot, true, nil
}

func (r *Remote) SetSnapshot(ctx context.Context, doc string, snapshot Snapshot) error {
	_, err := r.request(ctx, commons.Message{Type: commons.SnapshotSetMessage, Doc: doc, Snapshot: &snapshot})
	return err
}

// Subscribe asks the server for the log of doc the first time a document is
// subscribed to. Later subscribers are replayed from the local mirror.
func (r *Remote) Subscribe(doc string, h Handler) (func(), error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	d, subscribed := r.docs[doc]
	if !subscribed {
		d = &remoteDoc{index: make(map[string]int), handlers: make(map[int]Handler)}
		r.docs[doc] = d
	}
	for _, e := range d.entries {
		h.EntryAdded(cloneEntry(e))
	}
	r.next++
	key := r.next
	d.handlers[key] = h
	r.mu.Unlock()

	unsubscribe := func() { r.unsubscribe(doc, key) }

	if !subscribed {
		// The server replays the log before it acks.
		ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
		defer cancel()
		if _, err := r.request(ctx, commons.Message{Type: commons.SubscribeMessage, Doc: doc}); err != nil {
			unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", doc, err)
		}
	}

	var once sync.Once
	return func() { once.Do(unsubscribe) }, nil
}

func (r *Remote) unsubscribe(doc string, key int) {
	r.mu.Lock()
	d, ok := r.docs[doc]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(d.handlers, key)
	last := len(d.handlers) == 0
	if last {
		delete(r.docs, doc)
	}
	r.mu.Unlock()

	if !last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()
	if _, err := r.request(ctx, commons.Message{Type: commons.UnsubscribeMessage, Doc: doc}); err != nil && !errors.Is(err, ErrClosed) {
		r.logger.WithField("doc", doc).Warnf("unsubscribe failed: %v", err)
	}
}

// Done is closed once the connection is gone.
func (r *Remote) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that ended the connection, if any.
func (r *Remote) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Remote) Close() error {
	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()

	err := r.conn.Close()
	r.shutdown(ErrClosed)
	return err
}
