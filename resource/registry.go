package resource

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/pairdoc/logstore"
	"github.com/burntcarrot/pairdoc/queue"
	"github.com/burntcarrot/pairdoc/transform"
)

// processClient identifies this process when no client is given.
var processClient = uuid.NewString()

type options struct {
	user         string
	client       string
	logger       logrus.FieldLogger
	initial      any
	pollInterval time.Duration
	transforms   *transform.Registry
}

// Option configures a Resource.
type Option func(*options)

// WithUser sets the user stamped on proposed operations.
func WithUser(user string) Option {
	return func(o *options) {
		o.user = user
	}
}

// WithClient sets the client stamped on proposed operations. Resources editing
// the same document must use different clients; the default is shared by the
// whole process.
func WithClient(client string) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithInitialValue sets the value a document starts from when the log store
// has no snapshot for it.
func WithInitialValue(v any) Option {
	return func(o *options) {
		o.initial = v
	}
}

// WithPollInterval sets the safety re-check interval of the reconciliation loop.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithTransforms sets the transform registry. Custom operators register their
// transforms into it.
func WithTransforms(r *transform.Registry) Option {
	return func(o *options) {
		o.transforms = r
	}
}

// Registry hands out at most one live Resource per document ID.
type Registry struct {
	store logstore.Store

	mu        sync.Mutex
	resources map[string]*Resource
}

// NewRegistry returns a registry whose resources replicate through store.
func NewRegistry(store logstore.Store) *Registry {
	return &Registry{
		store:     store,
		resources: make(map[string]*Resource),
	}
}

// Get returns the live Resource for id, creating it with opts if there is
// none. Options are ignored for a Resource that already exists.
func (r *Registry) Get(id string, opts ...Option) *Resource {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.resources[id]; ok {
		return res
	}

	o := options{
		client:       processClient,
		logger:       logrus.StandardLogger(),
		pollInterval: queue.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transforms == nil {
		o.transforms = transform.NewRegistry(transform.WithLogger(o.logger))
	}

	res := newResource(r, id, o)
	r.resources[id] = res
	return res
}

// Len returns the number of live resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resources)
}

// remove drops res if it is still the live Resource for id.
func (r *Registry) remove(id string, res *Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resources[id] == res {
		delete(r.resources, id)
	}
}
