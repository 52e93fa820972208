package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/commons"
	"github.com/burntcarrot/pairdoc/logstore"
	"github.com/burntcarrot/pairdoc/queue"
)

// hub serves a log store to websocket clients.
type hub struct {
	store  logstore.Store
	logger logrus.FieldLogger
	echo   bool

	// Upgrader instance to upgrade all HTTP connections to a WebSocket.
	upgrader websocket.Upgrader

	// Map to store currently active client connections.
	mu            sync.Mutex
	activeClients map[*client]struct{}
}

// client is one websocket connection.
type client struct {
	id   uuid.UUID
	conn *websocket.Conn

	// out holds replies and notifications, written in order by writeLoop.
	out *queue.Queue[commons.Message]

	// subs maps subscribed documents to their unsubscribe functions. Only the
	// read loop touches it.
	subs map[string]func()
}

func newHub(store logstore.Store, logger logrus.FieldLogger, echo bool) *hub {
	return &hub{
		store:         store,
		logger:        logger,
		echo:          echo,
		activeClients: make(map[*client]struct{}),
	}
}

// clients returns the number of active connections.
func (h *hub) clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.activeClients)
}

// ServeHTTP upgrades the connection and serves requests until it closes.
func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("Error upgrading connection to websocket: %v", err)
		return
	}
	defer conn.Close()

	c := &client{
		id:   uuid.New(),
		conn: conn,
		out:  queue.New[commons.Message](),
		subs: make(map[string]func()),
	}
	logger := h.logger.WithField("conn", c.id)

	h.mu.Lock()
	h.activeClients[c] = struct{}{}
	h.mu.Unlock()
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, c)
	}()

	for {
		var msg commons.Message

		// Read message from the connection.
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("websocket error: %v", err)
			}
			break
		}

		h.echoMsg(c, msg)
		c.out.Push(h.handleMsg(ctx, c, msg))
	}

	for _, unsubscribe := range c.subs {
		unsubscribe()
	}
	cancel()
	<-writerDone
	c.out.Clear()

	h.mu.Lock()
	delete(h.activeClients, c)
	h.mu.Unlock()
	logger.Info("client disconnected")
}

// writeLoop writes queued messages to the connection in order.
func (h *hub) writeLoop(ctx context.Context, c *client) {
	it := c.out.Iter()
	defer it.Close()

	for {
		msg, err := it.Next(ctx)
		if err != nil {
			return
		}
		if err := c.conn.WriteJSON(msg); err != nil {
			h.logger.WithField("conn", c.id).Errorf("Error sending message to client: %v", err)
			c.conn.Close()
			return
		}
		c.out.Shift()
	}
}

// handleMsg runs a request against the store and returns the reply.
func (h *hub) handleMsg(ctx context.Context, c *client, msg commons.Message) commons.Message {
	reply := commons.Message{Type: commons.AckMessage, ReqID: msg.ReqID, Doc: msg.Doc}

	fail := func(err error) commons.Message {
		h.logger.WithFields(logrus.Fields{
			"conn": c.id,
			"type": msg.Type,
			"doc":  msg.Doc,
		}).Debugf("request failed: %v", err)
		return commons.Message{Type: commons.ErrorMessage, ReqID: msg.ReqID, Doc: msg.Doc, Error: errorText(err)}
	}

	if msg.Doc == "" {
		return fail(errors.New("missing document"))
	}

	switch msg.Type {
	case commons.AppendMessage:
		if msg.Entry == nil {
			return fail(errors.New("missing entry"))
		}
		id, err := h.store.Append(ctx, msg.Doc, *msg.Entry)
		if err != nil {
			return fail(err)
		}
		reply.ID = id

	case commons.UpdateMessage:
		if msg.Entry == nil {
			return fail(errors.New("missing entry"))
		}
		if err := h.store.Update(ctx, msg.Doc, msg.ID, *msg.Entry); err != nil {
			return fail(err)
		}
		reply.ID = msg.ID

	case commons.SnapshotGetMessage:
		snapshot, found, err := h.store.Snapshot(ctx, msg.Doc)
		if err != nil {
			return fail(err)
		}
		if found {
			reply.Snapshot = &snapshot
			reply.Found = true
		}

	case commons.SnapshotSetMessage:
		if msg.Snapshot == nil {
			return fail(errors.New("missing snapshot"))
		}
		if err := h.store.SetSnapshot(ctx, msg.Doc, *msg.Snapshot); err != nil {
			return fail(err)
		}

	case commons.SubscribeMessage:
		if _, ok := c.subs[msg.Doc]; ok {
			break
		}
		doc := msg.Doc
		unsubscribe, err := h.store.Subscribe(doc, logstore.HandlerFuncs{
			Added: func(e logstore.Entry) {
				c.out.Push(commons.Message{Type: commons.AddedMessage, Doc: doc, Entry: &e})
			},
			Changed: func(e logstore.Entry) {
				c.out.Push(commons.Message{Type: commons.ChangedMessage, Doc: doc, Entry: &e})
			},
		})
		if err != nil {
			return fail(err)
		}
		c.subs[doc] = unsubscribe

	case commons.UnsubscribeMessage:
		if unsubscribe, ok := c.subs[msg.Doc]; ok {
			unsubscribe()
			delete(c.subs, msg.Doc)
		}

	default:
		return fail(fmt.Errorf("unknown message type %q", msg.Type))
	}

	return reply
}

// errorText keeps sentinel errors recognizable on the client side.
func errorText(err error) string {
	for _, sentinel := range []error{logstore.ErrNotFound, logstore.ErrClosed} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

// echoMsg logs each request to stdout.
func (h *hub) echoMsg(c *client, msg commons.Message) {
	if !h.echo {
		return
	}
	t := time.Now().Format(time.ANSIC)
	if msg.Entry != nil && msg.Entry.Type != "" {
		color.Green("%s >> %s %s %s %s %s\n", t, c.id, msg.Type, msg.Doc, msg.Entry.Type, msg.Entry.Path)
	} else {
		color.Green("%s >> %s %s %s\n", t, c.id, msg.Type, msg.Doc)
	}
}
