package resource

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/commons"
	"github.com/burntcarrot/pairdoc/logstore"
	"github.com/burntcarrot/pairdoc/queue"
	"github.com/burntcarrot/pairdoc/settlement"
)

// runUpdates consumes received entries in log order until ctx is done or the
// queue is cleared.
func (r *Resource) runUpdates(ctx context.Context, received *queue.Queue[logstore.Entry], settled *settlement.Map[string, logstore.Entry], done chan struct{}) {
	defer close(done)

	it := received.Iter()
	defer it.Close()

	for {
		e, err := it.Next(ctx)
		if err != nil {
			return
		}

		if err := r.handleEntry(ctx, settled, e); err != nil {
			if ctx.Err() != nil || errors.Is(err, settlement.ErrClosed) {
				return
			}
			r.logger.WithField("id", e.ID).Errorf("failed to handle entry: %v", err)
		}
		received.Shift()
	}
}

// handleEntry classifies e against the pending operations:
//
//   - nothing pending: wait for e to settle and fold it into the source value.
//   - e is the echo of the oldest pending operation: settle that operation
//     after every entry parked before it.
//   - otherwise: park e until the next echo.
func (r *Resource) handleEntry(ctx context.Context, settled *settlement.Map[string, logstore.Entry], e logstore.Entry) error {
	logger := r.logger.WithField("id", e.ID)

	r.mu.Lock()
	if r.through != "" && e.ID <= r.through {
		r.mu.Unlock()
		logger.Debug("entry covered by the snapshot, skipped")
		return nil
	}

	head, hasPending := r.pending.Peek()
	own := e.Client == r.client

	switch {
	case hasPending && head.ID == e.ID:
		parked := r.parked
		r.mu.Unlock()
		return r.settleOwn(ctx, settled, e.ID, parked)

	case own && !commons.IsSettled(e):
		// An unsettled entry of ours that is not the next pending operation
		// was left behind by an earlier session or a failed append. It never
		// had any content.
		if len(r.parked) == 0 {
			r.through = e.ID
		}
		r.mu.Unlock()
		logger.Warn("orphaned placeholder, settling it as a noop")
		return r.settleOrphan(ctx, e)

	case hasPending:
		r.parked = append(r.parked, e)
		r.mu.Unlock()
		logger.Debug("entry parked until the next echo")
		return nil
	}
	r.mu.Unlock()

	remote, err := r.awaitSettled(ctx, settled, e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.pending.Map(func(op commons.Operation) commons.Operation {
		return r.transforms.Transform(op, remote)
	})
	r.source = r.ApplyOperations(r.source, remote)
	r.through = remote.ID
	r.rebuild()
	r.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"type": remote.Type,
		"path": remote.Path,
	}).Debug("remote operation folded")
	r.emit(ChangeServer)
	r.emit(ChangeClient)
	return nil
}

// settleOrphan marks an orphaned placeholder of ours settled as a noop, so
// that the other replicas waiting for it move on.
func (r *Resource) settleOrphan(ctx context.Context, e logstore.Entry) error {
	noop := commons.Noopify(e)
	noop.Settled = true
	if err := r.store.Update(ctx, r.id, e.ID, noop); err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.logger.WithField("id", e.ID).Errorf("failed to settle orphaned placeholder: %v", err)
	}
	return nil
}

// settleOwn settles the oldest pending operation, whose echo is id, once the
// entries parked before it have settled. The operation stays pending until
// then.
func (r *Resource) settleOwn(ctx context.Context, settled *settlement.Map[string, logstore.Entry], id string, parked []logstore.Entry) error {
	remotes := make([]commons.Operation, 0, len(parked))
	for _, e := range parked {
		remote, err := r.awaitSettled(ctx, settled, e)
		if err != nil {
			return err
		}
		remotes = append(remotes, remote)
	}

	r.mu.Lock()
	op, ok := r.pending.Peek()
	if !ok || op.ID != id {
		// Pending was cleared by a disconnect.
		r.mu.Unlock()
		return ctx.Err()
	}
	r.pending.Shift()
	for _, remote := range remotes {
		op = r.transforms.Transform(op, remote)
		r.pending.Map(func(pending commons.Operation) commons.Operation {
			return r.transforms.Transform(pending, remote)
		})
	}

	op.Settled = true
	if err := r.store.Update(ctx, r.id, op.ID, op); err != nil {
		if ctx.Err() != nil {
			r.mu.Unlock()
			return err
		}
		r.logger.WithField("id", op.ID).Errorf("failed to mark operation settled: %v", err)
	}

	r.source = r.ApplyOperations(r.source, append(remotes, op)...)
	r.through = op.ID
	r.parked = nil
	r.rebuild()
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"id":     op.ID,
		"type":   op.Type,
		"path":   op.Path,
		"parked": len(remotes),
	}).Debug("operation settled")
	r.emit(ChangeServer)
	r.emit(ChangeClient)
	return nil
}

// awaitSettled returns the settled version of e.
func (r *Resource) awaitSettled(ctx context.Context, settled *settlement.Map[string, logstore.Entry], e logstore.Entry) (commons.Operation, error) {
	if commons.IsSettled(e) {
		settled.Delete(e.ID)
		return e, nil
	}
	return settled.Pop(ctx, e.ID)
}

// rebuild recomputes the client value as the source value with the pending
// operations applied on top. r.mu is held.
func (r *Resource) rebuild() {
	r.clientValue = r.ApplyOperations(r.source, r.pending.Items()...)
}
