// Package transform rewrites a not-yet-settled local operation so that it
// still means the same thing once a remote operation that settled before it has
// been applied.
package transform

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/commons"
	"github.com/burntcarrot/pairdoc/paths"
)

// Func transforms op against remote, which settled before op.
// It must not mutate its arguments.
type Func func(op, remote commons.Operation) commons.Operation

// Default is the transform used when no override is registered.
//
//   - remote add: indices in op's path at or after the insertion point shift up.
//   - remote remove: replace and custom operations become noops.
//   - anything else leaves op unchanged.
func Default(op, remote commons.Operation) commons.Operation {
	if commons.IsNoop(op) {
		return op
	}

	switch remote.Type {
	case commons.TypeAdd:
		op.Path = paths.Transform(op.Path, remote.Path, 1)
		return op
	case commons.TypeRemove:
		if commons.IsReplace(op) || commons.IsCustom(op) {
			return commons.Noopify(op)
		}
	}
	return op
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for warnings.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry holds per-path transform overrides. The zero value is not usable,
// use NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	custom map[string]Func
	paths  map[string]Func
	logger logrus.FieldLogger
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		custom: make(map[string]Func),
		paths:  make(map[string]Func),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTransformer registers fn for remote operations at path.
func (r *Registry) SetTransformer(path string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[path] = fn
}

// RemoveTransformer drops the override at path.
func (r *Registry) RemoveTransformer(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, path)
}

// Transformer returns the override registered at path.
func (r *Registry) Transformer(path string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.paths[path]
	return fn, ok
}

// SetCustomTransformer registers fn for pairs of custom operations at path.
func (r *Registry) SetCustomTransformer(path string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[path] = fn
}

// RemoveCustomTransformer drops the custom transformer at path.
func (r *Registry) RemoveCustomTransformer(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.custom, path)
}

// CustomTransformer returns the custom transformer registered at path.
func (r *Registry) CustomTransformer(path string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.custom[path]
	return fn, ok
}

// Transform rewrites op against remote. A noop op is returned as is.
func (r *Registry) Transform(op, remote commons.Operation) commons.Operation {
	if commons.IsNoop(op) {
		return op
	}

	if commons.IsCustom(remote) && commons.IsCustom(op) && paths.AreEqual(op.Path, remote.Path) {
		fn, ok := r.CustomTransformer(op.Path)
		if !ok {
			r.logger.WithFields(logrus.Fields{
				"path":   op.Path,
				"id":     op.ID,
				"remote": remote.ID,
			}).Warn("no custom transformer registered, operation passed through")
			return op
		}
		return fn(op, remote)
	}

	if !commons.IsNoop(remote) {
		if fn, ok := r.Transformer(remote.Path); ok {
			return fn(op, remote)
		}
	}
	return Default(op, remote)
}

// TransformAll folds Transform over remotes, in order.
func (r *Registry) TransformAll(op commons.Operation, remotes ...commons.Operation) commons.Operation {
	for _, remote := range remotes {
		op = r.Transform(op, remote)
	}
	return op
}
