// Package resource keeps a local copy of a shared JSON document in sync with
// every other copy, through a log store that puts all operations in one order.
//
// Local edits are applied at once and proposed to the log. Each resource then
// folds settled operations into its source value in log order, rewriting its
// own not yet settled operations against the remote ones that settled first.
// The client value is always the source value with the pending operations
// applied on top.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/commons"
	"github.com/burntcarrot/pairdoc/document"
	"github.com/burntcarrot/pairdoc/logstore"
	"github.com/burntcarrot/pairdoc/queue"
	"github.com/burntcarrot/pairdoc/settlement"
	"github.com/burntcarrot/pairdoc/transform"
)

var ErrNotConnected = errors.New("resource not connected")

// ChangeKind tells which value of a Resource changed.
type ChangeKind int

const (
	// ChangeClient is emitted when the client value changes.
	ChangeClient ChangeKind = iota
	// ChangeServer is emitted when settled operations were folded into the
	// source value.
	ChangeServer
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeClient:
		return "client"
	case ChangeServer:
		return "server"
	default:
		return "unknown"
	}
}

// Resource is the local replica of one document.
type Resource struct {
	id         string
	registry   *Registry
	store      logstore.Store
	logger     logrus.FieldLogger
	user       string
	client     string
	initial    any
	poll       queue.Option
	transforms *transform.Registry

	opMu      sync.RWMutex
	operators map[string]CustomOperator

	lsMu      sync.Mutex
	listeners map[int]listener
	nextLs    int

	// mu guards the replica state below. The reconciliation loop holds it
	// while it classifies and folds an entry; proposals hold it across the
	// append and the push onto pending.
	mu          sync.Mutex
	source      any
	clientValue any
	through     string
	pending     *queue.Queue[commons.Operation]
	received    *queue.Queue[logstore.Entry]
	parked      []logstore.Entry
	settled     *settlement.Map[string, logstore.Entry]
	connections map[string]struct{}
	unsubscribe func()
	cancel      context.CancelFunc
	loopDone    chan struct{}
}

type listener struct {
	kind ChangeKind
	fn   func(ChangeKind)
}

func newResource(registry *Registry, id string, o options) *Resource {
	return &Resource{
		id:       id,
		registry: registry,
		store:    registry.store,
		logger: o.logger.WithFields(logrus.Fields{
			"doc":    id,
			"client": o.client,
		}),
		user:        o.user,
		client:      o.client,
		initial:     o.initial,
		poll:        queue.WithPollInterval(o.pollInterval),
		transforms:  o.transforms,
		operators:   make(map[string]CustomOperator),
		listeners:   make(map[int]listener),
		connections: make(map[string]struct{}),
	}
}

// ID returns the document ID.
func (r *Resource) ID() string { return r.id }

// Client returns the client stamped on operations proposed by r.
func (r *Resource) Client() string { return r.client }

// Transforms returns the transform registry used by r.
func (r *Resource) Transforms() *transform.Registry { return r.transforms }

// ClientValue returns a copy of the value as edited locally.
func (r *Resource) ClientValue() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return document.Clone(r.clientValue)
}

// SourceValue returns a copy of the value built from settled operations only.
func (r *Resource) SourceValue() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return document.Clone(r.source)
}

// PendingLen returns the number of proposed operations not yet settled.
func (r *Resource) PendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return 0
	}
	return r.pending.Len()
}

// Connections returns the number of open connections.
func (r *Resource) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// Connect opens a connection to the document. The first connection loads the
// snapshot, subscribes to the log and starts reconciling; later ones only
// count. The returned function closes this connection.
func (r *Resource) Connect(ctx context.Context) (func(), error) {
	connID := uuid.NewString()

	r.mu.Lock()
	if len(r.connections) > 0 {
		r.connections[connID] = struct{}{}
		r.mu.Unlock()
		r.logger.WithField("conn", connID).Debug("connection added")
		return func() { r.Disconnect(connID, false) }, nil
	}

	if err := r.start(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.connections[connID] = struct{}{}
	r.mu.Unlock()

	r.logger.WithField("conn", connID).Info("connected")
	r.emit(ChangeServer)
	r.emit(ChangeClient)
	return func() { r.Disconnect(connID, false) }, nil
}

// start loads the snapshot and starts the reconciliation loop. r.mu is held.
func (r *Resource) start(ctx context.Context) error {
	snapshot, found, err := r.store.Snapshot(ctx, r.id)
	if err != nil {
		return fmt.Errorf("read snapshot of %s: %w", r.id, err)
	}
	if !found {
		initial, err := document.Normalize(r.initial)
		if err != nil {
			return fmt.Errorf("initial value of %s: %w", r.id, err)
		}
		snapshot = logstore.Snapshot{Value: initial}
		if err := r.store.SetSnapshot(ctx, r.id, snapshot); err != nil {
			return fmt.Errorf("write snapshot of %s: %w", r.id, err)
		}
	}

	r.source = document.Clone(snapshot.Value)
	r.clientValue = document.Clone(snapshot.Value)
	r.through = snapshot.Through
	r.parked = nil

	pending := queue.New[commons.Operation](r.poll)
	received := queue.New[logstore.Entry](r.poll)
	settled := settlement.New[string, logstore.Entry]()

	client := r.client
	unsubscribe, err := r.store.Subscribe(r.id, logstore.HandlerFuncs{
		Added: func(e logstore.Entry) {
			received.Push(e)
		},
		Changed: func(e logstore.Entry) {
			// Our own entries are settled by us, nobody waits for them here.
			if e.Client == client || !commons.IsSettled(e) {
				return
			}
			settled.Set(e.ID, e)
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.id, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.pending = pending
	r.received = received
	r.settled = settled
	r.unsubscribe = unsubscribe
	r.cancel = cancel
	r.loopDone = done

	go r.runUpdates(loopCtx, received, settled, done)
	return nil
}

// Disconnect closes the connection connID. An empty connID closes every
// connection, which is refused with a warning while more than one is open
// unless force is set. Closing the last connection stops the Resource and
// removes it from its Registry.
func (r *Resource) Disconnect(connID string, force bool) {
	r.mu.Lock()
	if len(r.connections) == 0 {
		r.mu.Unlock()
		return
	}

	if connID == "" {
		if len(r.connections) > 1 && !force {
			r.mu.Unlock()
			r.logger.WithField("connections", len(r.connections)).
				Warn("disconnect requested while other connections are still listening, use force to close them")
			return
		}
		r.connections = make(map[string]struct{})
	} else {
		if _, ok := r.connections[connID]; !ok {
			r.mu.Unlock()
			return
		}
		delete(r.connections, connID)
		if len(r.connections) > 0 {
			r.mu.Unlock()
			r.logger.WithField("conn", connID).Debug("connection removed")
			return
		}
	}

	unsubscribe, cancel, done := r.unsubscribe, r.cancel, r.loopDone
	settled, received, pending := r.settled, r.received, r.pending
	if n := pending.Len(); n > 0 {
		r.logger.WithField("pending", n).Warn("disconnecting with unsettled operations")
	}
	r.unsubscribe, r.cancel, r.loopDone = nil, nil, nil
	r.parked = nil
	r.mu.Unlock()

	unsubscribe()
	cancel()
	settled.Close()
	received.Clear()
	pending.Clear()
	<-done

	r.registry.remove(r.id, r)
	r.logger.Info("disconnected")
}

// OnChange calls fn after every change of the given kind. The returned
// function stops the notifications.
func (r *Resource) OnChange(kind ChangeKind, fn func(ChangeKind)) func() {
	r.lsMu.Lock()
	defer r.lsMu.Unlock()

	r.nextLs++
	key := r.nextLs
	r.listeners[key] = listener{kind: kind, fn: fn}

	return func() {
		r.lsMu.Lock()
		defer r.lsMu.Unlock()
		delete(r.listeners, key)
	}
}

func (r *Resource) emit(kind ChangeKind) {
	r.lsMu.Lock()
	var fns []func(ChangeKind)
	for _, l := range r.listeners {
		if l.kind == kind {
			fns = append(fns, l.fn)
		}
	}
	r.lsMu.Unlock()

	for _, fn := range fns {
		fn(kind)
	}
}

// Update lets mutator edit a copy of the client value, then proposes the
// difference as operations. mutator returns the new value; it may edit the
// draft in place and return it.
func (r *Resource) Update(ctx context.Context, mutator func(draft any) any) error {
	r.mu.Lock()
	if len(r.connections) == 0 {
		r.mu.Unlock()
		return ErrNotConnected
	}

	old := r.clientValue
	next, err := document.Normalize(mutator(document.Clone(old)))
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("normalize update: %w", err)
	}
	patches := document.Diff(old, next)
	if len(patches) == 0 {
		r.mu.Unlock()
		return nil
	}

	r.clientValue = next
	err = r.propose(ctx, commons.FromPatches(patches), false)
	if err != nil {
		// Drop the edits that never made it to pending.
		r.rebuild()
	}
	r.mu.Unlock()

	r.emit(ChangeClient)
	return err
}

// ProposeOptions are the arguments of ProposeOperations.
type ProposeOptions struct {
	// Operations are raw operations, proposed in order.
	Operations []commons.Operation
	// Apply also applies each operation to the client value.
	Apply bool
}

// ProposeOperations appends each operation to the log and queues it until it
// settles. It stops at the first append failure; operations before it stay
// proposed.
func (r *Resource) ProposeOperations(ctx context.Context, opts ProposeOptions) error {
	r.mu.Lock()
	if len(r.connections) == 0 {
		r.mu.Unlock()
		return ErrNotConnected
	}
	err := r.propose(ctx, opts.Operations, opts.Apply)
	r.mu.Unlock()

	if opts.Apply {
		r.emit(ChangeClient)
	}
	return err
}

// propose appends a placeholder for each op, stamps the op with the ID it got
// and pushes it onto pending. r.mu is held, so the reconciliation loop cannot
// see the placeholder before the op is pending.
func (r *Resource) propose(ctx context.Context, ops []commons.Operation, apply bool) error {
	for _, op := range ops {
		if !commons.IsRaw(op) {
			r.logger.WithField("id", op.ID).Warn("operation already proposed, skipped")
			continue
		}

		id, err := r.store.Append(ctx, r.id, logstore.Entry{Client: r.client, User: r.user})
		if err != nil {
			return fmt.Errorf("append %s operation: %w", op.Type, err)
		}

		op.ID = id
		op.Client = r.client
		op.User = r.user
		// Settled marks the local copy as optimistic until the log agrees.
		op.Settled = true

		if apply {
			r.clientValue = r.ApplyOperations(r.clientValue, op)
		}
		r.pending.Push(op)

		r.logger.WithFields(logrus.Fields{
			"id":   id,
			"type": op.Type,
			"path": op.Path,
		}).Debug("operation proposed")
	}
	return nil
}

// Checkpoint writes the source value into the snapshot slot, so that later
// connections start from it and skip the entries it covers.
func (r *Resource) Checkpoint(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.connections) == 0 {
		return ErrNotConnected
	}
	snapshot := logstore.Snapshot{Value: document.Clone(r.source), Through: r.through}
	if err := r.store.SetSnapshot(ctx, r.id, snapshot); err != nil {
		return fmt.Errorf("checkpoint %s: %w", r.id, err)
	}
	r.logger.WithField("through", r.through).Info("checkpoint written")
	return nil
}
