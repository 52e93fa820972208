package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/commons"
	"github.com/burntcarrot/pairdoc/document"
	"github.com/burntcarrot/pairdoc/transform"
)

// CustomOperator defines an operation kind with its own payload, applied to
// the value at Path.
type CustomOperator struct {
	Path string

	// Version is stamped on proposed operations.
	Version string

	// Apply returns the new value at Path. current is nil if Path is missing.
	Apply func(current, payload any) (any, error)

	// Transform rewrites a pending operation of this operator against a remote
	// one at the same path. Pending operations pass through unchanged if nil.
	Transform transform.Func

	// MapVersion converts a payload proposed by another version. Payloads are
	// used as is if nil.
	MapVersion func(payload any, version string) any
}

// Proposer proposes operations of one custom operator.
type Proposer struct {
	r  *Resource
	op CustomOperator
}

// RegisterCustomOperator registers op for its path, replacing any operator
// already there.
func (r *Resource) RegisterCustomOperator(op CustomOperator) *Proposer {
	r.opMu.Lock()
	r.operators[op.Path] = op
	r.opMu.Unlock()

	if op.Transform != nil {
		r.transforms.SetCustomTransformer(op.Path, op.Transform)
	} else {
		r.transforms.RemoveCustomTransformer(op.Path)
	}
	return &Proposer{r: r, op: op}
}

func (r *Resource) operator(path string) (CustomOperator, bool) {
	r.opMu.RLock()
	defer r.opMu.RUnlock()
	op, ok := r.operators[path]
	return op, ok
}

// Propose proposes payload. If snapshot is not nil it is written at the
// operator's path as the optimistic client value; otherwise the operator is
// applied to the client value.
func (p *Proposer) Propose(ctx context.Context, payload any, snapshot any) error {
	r := p.r
	op := commons.Custom(p.op.Path, payload)
	op.Version = p.op.Version

	if snapshot == nil {
		return r.ProposeOperations(ctx, ProposeOptions{Operations: []commons.Operation{op}, Apply: true})
	}

	r.mu.Lock()
	if len(r.connections) == 0 {
		r.mu.Unlock()
		return ErrNotConnected
	}
	next, err := document.Set(r.clientValue, p.op.Path, snapshot)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("write snapshot at %s: %w", p.op.Path, err)
	}
	r.clientValue = next
	err = r.propose(ctx, []commons.Operation{op}, false)
	if err != nil {
		// Drop the edits that never made it to pending.
		r.rebuild()
	}
	r.mu.Unlock()

	r.emit(ChangeClient)
	return err
}

// ApplyOperations applies ops to a copy of target and returns it. Noops are
// skipped. An operation that fails to apply is logged and skipped.
func (r *Resource) ApplyOperations(target any, ops ...commons.Operation) any {
	value := document.Clone(target)

	for _, op := range ops {
		logger := r.logger.WithFields(logrus.Fields{
			"id":   op.ID,
			"type": op.Type,
			"path": op.Path,
		})

		switch {
		case commons.IsNoop(op):
			continue

		case commons.IsPatchCompatible(op):
			patch, _ := commons.ToPatch(op)
			next, err := document.Apply(value, patch)
			if err != nil {
				logger.Warnf("failed to apply operation: %v", err)
				continue
			}
			value = next

		case commons.IsCustom(op):
			next, err := r.applyCustom(value, op)
			if errors.Is(err, errNoOperator) {
				logger.Debug("no custom operator registered, skipped")
				continue
			}
			if err != nil {
				logger.Warnf("failed to apply custom operation: %v", err)
				continue
			}
			value = next

		default:
			logger.Debug("unknown operation type, skipped")
		}
	}
	return value
}

var errNoOperator = errors.New("no custom operator registered")

func (r *Resource) applyCustom(value any, op commons.Operation) (any, error) {
	operator, ok := r.operator(op.Path)
	if !ok {
		return nil, errNoOperator
	}

	current, err := document.Get(value, op.Path)
	if err != nil {
		current = nil
	}

	payload := op.Payload
	if op.Version != operator.Version && operator.MapVersion != nil {
		payload = operator.MapVersion(payload, op.Version)
	}

	next, err := operator.Apply(current, payload)
	if err != nil {
		return nil, err
	}
	return document.Set(value, op.Path, next)
}
