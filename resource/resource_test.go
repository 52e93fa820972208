package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/burntcarrot/pairdoc/commons"
	"github.com/burntcarrot/pairdoc/document"
	"github.com/burntcarrot/pairdoc/logstore"
)

const testPoll = 10 * time.Millisecond

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connect(t *testing.T, r *Resource) {
	t.Helper()
	disconnect, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(disconnect)
}

func newItems() map[string]any {
	return map[string]any{"items": []any{}}
}

func appendItem(v string) func(any) any {
	return func(draft any) any {
		doc := draft.(map[string]any)
		doc["items"] = append(doc["items"].([]any), v)
		return doc
	}
}

// gatedStore holds back notifications until released, so a test can decide
// what a resource has seen when it proposes.
type gatedStore struct {
	logstore.Store

	mu       sync.Mutex
	open     bool
	buffered []func()
}

func (g *gatedStore) Subscribe(doc string, h logstore.Handler) (func(), error) {
	return g.Store.Subscribe(doc, logstore.HandlerFuncs{
		Added: func(e logstore.Entry) {
			g.deliver(func() { h.EntryAdded(e) })
		},
		Changed: func(e logstore.Entry) {
			g.deliver(func() { h.EntryChanged(e) })
		},
	})
}

func (g *gatedStore) deliver(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.buffered = append(g.buffered, fn)
		return
	}
	fn()
}

func (g *gatedStore) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = true
	for _, fn := range g.buffered {
		fn()
	}
	g.buffered = nil
}

// TestConcurrentInsertsAtSameIndex has B's insert settle while A's insert at
// the same index is still pending. A parks B's entry, shifts its own insert
// past it on echo, and both replicas end up with ["y", "x"].
func TestConcurrentInsertsAtSameIndex(t *testing.T) {
	ctx := context.Background()
	store := logstore.NewMemory()
	gate := &gatedStore{Store: store}

	a := NewRegistry(gate).Get("doc", WithClient("a"), WithUser("alice"),
		WithInitialValue(newItems()), WithPollInterval(testPoll), WithLogger(quietLogger()))
	b := NewRegistry(store).Get("doc", WithClient("b"), WithUser("bob"),
		WithInitialValue(newItems()), WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, a)
	connect(t, b)

	serverChanges := 0
	var mu sync.Mutex
	b.OnChange(ChangeServer, func(ChangeKind) {
		mu.Lock()
		serverChanges++
		mu.Unlock()
	})

	if err := b.Update(ctx, appendItem("y")); err != nil {
		t.Fatalf("update b: %v", err)
	}
	waitFor(t, "b to settle", func() bool { return b.PendingLen() == 0 })

	if err := a.Update(ctx, appendItem("x")); err != nil {
		t.Fatalf("update a: %v", err)
	}
	if got := a.ClientValue(); !cmp.Equal(got, map[string]any{"items": []any{"x"}}) {
		t.Fatalf("optimistic value = %v", got)
	}

	gate.release()

	want := map[string]any{"items": []any{"y", "x"}}
	waitFor(t, "replicas to converge", func() bool {
		return a.PendingLen() == 0 &&
			document.Equal(a.SourceValue(), want) &&
			document.Equal(b.SourceValue(), want)
	})

	if got := a.ClientValue(); !cmp.Equal(got, want) {
		t.Errorf("a: got != want; diff = %v\n", cmp.Diff(got, want))
	}
	if got := b.ClientValue(); !cmp.Equal(got, want) {
		t.Errorf("b: got != want; diff = %v\n", cmp.Diff(got, want))
	}

	entries := store.Entries("doc")
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	settledA := entries[1]
	if settledA.Client != "a" || settledA.User != "alice" || settledA.Path != "items.1" || !commons.IsSettled(settledA) {
		t.Errorf("unexpected settled entry for a: %+v", settledA)
	}

	mu.Lock()
	defer mu.Unlock()
	if serverChanges < 2 {
		t.Errorf("got %d server changes on b, want at least 2", serverChanges)
	}
}

// TestPendingTransformedWhileWaiting proposes an insert while the resource is
// waiting for an earlier remote insert to settle.
func TestPendingTransformedWhileWaiting(t *testing.T) {
	ctx := context.Background()
	store := logstore.NewMemory()

	a := NewRegistry(store).Get("doc", WithClient("a"),
		WithInitialValue(newItems()), WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, a)

	// A raw placeholder from another client, settled later by hand.
	id, err := store.Append(ctx, "doc", logstore.Entry{Client: "b"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := a.Update(ctx, appendItem("x")); err != nil {
		t.Fatalf("update: %v", err)
	}

	remote := commons.Add("items.0", "y")
	remote.Client = "b"
	remote.Settled = true
	if err := store.Update(ctx, "doc", id, remote); err != nil {
		t.Fatalf("settle remote: %v", err)
	}

	want := map[string]any{"items": []any{"y", "x"}}
	waitFor(t, "a to settle", func() bool {
		return a.PendingLen() == 0 && document.Equal(a.SourceValue(), want)
	})
}

func TestRandomConvergence(t *testing.T) {
	const (
		clients = 3
		steps   = 20
	)
	ctx := context.Background()
	store := logstore.NewMemory()
	rng := rand.New(rand.NewSource(7))

	initial := map[string]any{"items": []any{"a", "b"}, "meta": map[string]any{}}

	type step struct {
		kind  int
		frac  float64
		value string
		pause time.Duration
	}
	plans := make([][]step, clients)
	for c := range plans {
		for i := 0; i < steps; i++ {
			plans[c] = append(plans[c], step{
				kind:  rng.Intn(4),
				frac:  rng.Float64(),
				value: fmt.Sprintf("c%d-%d", c, i),
				pause: time.Duration(rng.Intn(3)) * time.Millisecond,
			})
		}
	}

	apply := func(s step) func(any) any {
		return func(draft any) any {
			doc := draft.(map[string]any)
			items := doc["items"].([]any)
			switch s.kind {
			case 0:
				at := int(s.frac * float64(len(items)+1))
				items = append(items[:at], append([]any{s.value}, items[at:]...)...)
			case 1:
				if len(items) > 0 {
					at := int(s.frac * float64(len(items)))
					items = append(items[:at], items[at+1:]...)
				}
			case 2:
				if len(items) > 0 {
					items[int(s.frac*float64(len(items)))] = s.value
				}
			case 3:
				doc["meta"].(map[string]any)[fmt.Sprintf("k%d", int(s.frac*4))] = s.value
			}
			doc["items"] = items
			return doc
		}
	}

	resources := make([]*Resource, clients)
	for c := range resources {
		resources[c] = NewRegistry(store).Get("doc",
			WithClient(fmt.Sprintf("client-%d", c)),
			WithInitialValue(initial),
			WithPollInterval(testPoll),
			WithLogger(quietLogger()))
		connect(t, resources[c])
	}

	var wg sync.WaitGroup
	for c, r := range resources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range plans[c] {
				if err := r.Update(ctx, apply(s)); err != nil {
					t.Errorf("update: %v", err)
					return
				}
				time.Sleep(s.pause)
			}
		}()
	}
	wg.Wait()

	waitFor(t, "replicas to converge", func() bool {
		want := resources[0].SourceValue()
		for _, r := range resources {
			if r.PendingLen() != 0 {
				return false
			}
			if !document.Equal(r.SourceValue(), want) || !document.Equal(r.ClientValue(), want) {
				return false
			}
		}
		return true
	})
}

func TestNoopIsNotReapplied(t *testing.T) {
	r := NewRegistry(logstore.NewMemory()).Get("doc", WithLogger(quietLogger()))

	op := commons.Add("items.0", "x")
	op.ID = "01"
	once := r.ApplyOperations(newItems(), op)
	twice := r.ApplyOperations(once, commons.Noopify(op))

	want := map[string]any{"items": []any{"x"}}
	if !cmp.Equal(twice, want) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(twice, want))
	}
}

func TestApplyOperationsSkipsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := NewRegistry(logstore.NewMemory()).Get("doc", WithLogger(logger))

	got := r.ApplyOperations(newItems(),
		commons.Remove("missing.0"),
		commons.Add("items.0", "x"),
		commons.Custom("nobody", "payload"),
		commons.Operation{Type: "move", Path: "items"},
	)

	want := map[string]any{"items": []any{"x"}}
	if !cmp.Equal(got, want) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(got, want))
	}
	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("got %d warnings, want 1", warnings)
	}
}

func TestApplyOperationsDoesNotMutate(t *testing.T) {
	r := NewRegistry(logstore.NewMemory()).Get("doc", WithLogger(quietLogger()))
	target := newItems()

	_ = r.ApplyOperations(target, commons.Add("items.0", "x"))
	if len(target["items"].([]any)) != 0 {
		t.Errorf("target was mutated: %v", target)
	}
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry(logstore.NewMemory())

	a := reg.Get("doc", WithLogger(quietLogger()))
	if reg.Get("doc") != a {
		t.Fatalf("Get returned a second resource for the same id")
	}
	if reg.Get("other") == a {
		t.Fatalf("Get returned the same resource for another id")
	}

	disconnect, err := a.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	disconnect()

	if reg.Get("doc") == a {
		t.Errorf("resource should leave the registry on its last disconnect")
	}
}

func TestDisconnect(t *testing.T) {
	logger, hook := test.NewNullLogger()
	reg := NewRegistry(logstore.NewMemory())
	r := reg.Get("doc", WithLogger(logger), WithPollInterval(testPoll))

	ctx := context.Background()
	first, err := r.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := r.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	r.Disconnect("", false)
	if r.Connections() != 2 {
		t.Fatalf("got %d connections, want 2", r.Connections())
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != logrus.WarnLevel {
		t.Errorf("expected a warning, got %+v", entry)
	}

	first()
	first()
	if r.Connections() != 1 {
		t.Fatalf("got %d connections, want 1", r.Connections())
	}

	r.Disconnect("", false)
	if r.Connections() != 0 {
		t.Fatalf("got %d connections, want 0", r.Connections())
	}
	if reg.Len() != 0 {
		t.Errorf("registry still holds the resource")
	}

	if err := r.Update(ctx, appendItem("x")); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestForceDisconnect(t *testing.T) {
	reg := NewRegistry(logstore.NewMemory())
	r := reg.Get("doc", WithLogger(quietLogger()), WithPollInterval(testPoll))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Connect(ctx); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	r.Disconnect("", true)
	if r.Connections() != 0 || reg.Len() != 0 {
		t.Errorf("force disconnect left %d connections", r.Connections())
	}
}

func counterOperator() CustomOperator {
	return CustomOperator{
		Path:    "counter",
		Version: "v2",
		Apply: func(current, payload any) (any, error) {
			n, _ := current.(float64)
			d, ok := payload.(float64)
			if !ok {
				return nil, fmt.Errorf("bad payload %v", payload)
			}
			return n + d, nil
		},
		Transform: func(op, remote commons.Operation) commons.Operation {
			return op
		},
		MapVersion: func(payload any, version string) any {
			if version == "v1" {
				return payload.(float64) * 10
			}
			return payload
		},
	}
}

func TestCustomOperator(t *testing.T) {
	ctx := context.Background()
	store := logstore.NewMemory()
	initial := map[string]any{"counter": 0.0}

	a := NewRegistry(store).Get("doc", WithClient("a"), WithInitialValue(initial),
		WithPollInterval(testPoll), WithLogger(quietLogger()))
	b := NewRegistry(store).Get("doc", WithClient("b"), WithInitialValue(initial),
		WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, a)
	connect(t, b)

	incA := a.RegisterCustomOperator(counterOperator())
	incB := b.RegisterCustomOperator(counterOperator())
	if _, ok := a.Transforms().CustomTransformer("counter"); !ok {
		t.Fatalf("operator transform not registered")
	}

	if err := incA.Propose(ctx, 1.0, nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if got := a.ClientValue(); !cmp.Equal(got, map[string]any{"counter": 1.0}) {
		t.Errorf("optimistic value = %v", got)
	}
	if err := incB.Propose(ctx, 2.0, 2.0); err != nil {
		t.Fatalf("propose: %v", err)
	}

	want := map[string]any{"counter": 3.0}
	waitFor(t, "counters to converge", func() bool {
		return a.PendingLen() == 0 && b.PendingLen() == 0 &&
			document.Equal(a.SourceValue(), want) && document.Equal(b.SourceValue(), want)
	})

	old := commons.Custom("counter", 1.0)
	old.Version = "v1"
	got := a.ApplyOperations(map[string]any{"counter": 0.0}, old)
	if !cmp.Equal(got, map[string]any{"counter": 10.0}) {
		t.Errorf("version mapping not applied: %v", got)
	}
}

func TestCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := logstore.NewMemory()

	r := NewRegistry(store).Get("doc", WithClient("a"), WithInitialValue(newItems()),
		WithPollInterval(testPoll), WithLogger(quietLogger()))
	disconnect, err := r.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.Update(ctx, appendItem("x")); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, "settlement", func() bool { return r.PendingLen() == 0 })

	if err := r.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	disconnect()

	snapshot, found, err := store.Snapshot(ctx, "doc")
	if err != nil || !found {
		t.Fatalf("snapshot = %v, %v", found, err)
	}
	entries := store.Entries("doc")
	if snapshot.Through != entries[len(entries)-1].ID {
		t.Errorf("snapshot through %q, want %q", snapshot.Through, entries[len(entries)-1].ID)
	}

	// A new replica starts from the snapshot and skips the entries it covers.
	again := NewRegistry(store).Get("doc", WithClient("b"), WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, again)
	time.Sleep(5 * testPoll)

	want := map[string]any{"items": []any{"x"}}
	if got := again.SourceValue(); !cmp.Equal(got, want) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(got, want))
	}
}

func TestOnChangeCancel(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(logstore.NewMemory()).Get("doc", WithInitialValue(newItems()),
		WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, r)

	var calls atomic.Int32
	cancel := r.OnChange(ChangeClient, func(kind ChangeKind) {
		if kind != ChangeClient {
			t.Errorf("got %s change", kind)
		}
		calls.Add(1)
	})

	if err := r.Update(ctx, appendItem("x")); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, "settlement", func() bool { return r.PendingLen() == 0 })
	cancel()

	before := calls.Load()
	if err := r.Update(ctx, appendItem("y")); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, "settlement", func() bool { return r.PendingLen() == 0 })
	if calls.Load() != before {
		t.Errorf("listener called after cancel")
	}
}

func TestUpdateWithoutChange(t *testing.T) {
	store := logstore.NewMemory()
	r := NewRegistry(store).Get("doc", WithInitialValue(newItems()),
		WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, r)

	if err := r.Update(context.Background(), func(draft any) any { return draft }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if n := len(store.Entries("doc")); n != 0 {
		t.Errorf("got %d log entries for an empty update, want 0", n)
	}
}

// TestOrphanedPlaceholderIsSettled leaves an unsettled placeholder of client a
// in the log, as a session that died mid-proposal would. A settles it as a
// noop on reconnect, so B stops waiting for it and both replicas converge.
func TestOrphanedPlaceholderIsSettled(t *testing.T) {
	ctx := context.Background()
	store := logstore.NewMemory()

	orphan, err := store.Append(ctx, "doc", logstore.Entry{Client: "a"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	a := NewRegistry(store).Get("doc", WithClient("a"),
		WithInitialValue(newItems()), WithPollInterval(testPoll), WithLogger(quietLogger()))
	b := NewRegistry(store).Get("doc", WithClient("b"),
		WithInitialValue(newItems()), WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, a)
	connect(t, b)

	if err := b.Update(ctx, appendItem("y")); err != nil {
		t.Fatalf("update b: %v", err)
	}
	if err := a.Update(ctx, appendItem("x")); err != nil {
		t.Fatalf("update a: %v", err)
	}

	waitFor(t, "replicas to converge", func() bool {
		if a.PendingLen() != 0 || b.PendingLen() != 0 {
			return false
		}
		items, _ := a.SourceValue().(map[string]any)["items"].([]any)
		return len(items) == 2 && document.Equal(a.SourceValue(), b.SourceValue())
	})

	for _, e := range store.Entries("doc") {
		if !commons.IsSettled(e) {
			t.Errorf("entry %s left unsettled: %+v", e.ID, e)
		}
		if e.ID == orphan && !commons.IsNoop(e) {
			t.Errorf("orphan settled as %s, want noop", e.Type)
		}
	}

	if err := a.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	c := NewRegistry(store).Get("doc", WithClient("c"), WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, c)
	if err := c.Update(ctx, appendItem("z")); err != nil {
		t.Fatalf("update c: %v", err)
	}
	waitFor(t, "late replica to converge", func() bool {
		if c.PendingLen() != 0 || a.PendingLen() != 0 {
			return false
		}
		items, _ := c.SourceValue().(map[string]any)["items"].([]any)
		return len(items) == 3 && document.Equal(a.SourceValue(), c.SourceValue())
	})
}

// TestOrphanBehindParkedEntry has an orphaned placeholder of a arrive while a
// remote entry before it is parked. A checkpoint taken then must not cover the
// parked entry, and a's operation stays pending until it settles.
func TestOrphanBehindParkedEntry(t *testing.T) {
	ctx := context.Background()
	store := logstore.NewMemory()
	gate := &gatedStore{Store: store}

	a := NewRegistry(gate).Get("doc", WithClient("a"),
		WithInitialValue(newItems()), WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, a)

	parked, err := store.Append(ctx, "doc", logstore.Entry{Client: "b"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	orphan, err := store.Append(ctx, "doc", logstore.Entry{Client: "a"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.Update(ctx, appendItem("x")); err != nil {
		t.Fatalf("update: %v", err)
	}
	gate.release()

	waitFor(t, "orphan to be settled", func() bool {
		for _, e := range store.Entries("doc") {
			if e.ID == orphan {
				return commons.IsSettled(e)
			}
		}
		return false
	})
	time.Sleep(5 * testPoll)

	// The echo of x has arrived, but x waits for the parked entry.
	if got := a.PendingLen(); got != 1 {
		t.Errorf("got %d pending operations, want 1", got)
	}
	if got, want := a.ClientValue(), any(map[string]any{"items": []any{"x"}}); !cmp.Equal(got, want) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(got, want))
	}

	if err := a.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	snapshot, _, err := store.Snapshot(ctx, "doc")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Through >= parked {
		t.Errorf("snapshot through %q covers parked entry %q", snapshot.Through, parked)
	}

	remote := commons.Add("items.0", "y")
	remote.Client = "b"
	remote.Settled = true
	if err := store.Update(ctx, "doc", parked, remote); err != nil {
		t.Fatalf("settle remote: %v", err)
	}

	want := map[string]any{"items": []any{"y", "x"}}
	waitFor(t, "a to settle", func() bool {
		return a.PendingLen() == 0 && document.Equal(a.SourceValue(), want)
	})

	// A replica starting from the checkpoint still sees the parked entry.
	c := NewRegistry(store).Get("doc", WithClient("c"), WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, c)
	waitFor(t, "late replica to converge", func() bool {
		return document.Equal(c.SourceValue(), want)
	})
}

var errAppend = errors.New("append refused")

// failingStore refuses every append after the first allow ones.
type failingStore struct {
	logstore.Store

	allow   int32
	appends atomic.Int32
}

func (f *failingStore) Append(ctx context.Context, doc string, entry logstore.Entry) (string, error) {
	if f.appends.Add(1) > f.allow {
		return "", errAppend
	}
	return f.Store.Append(ctx, doc, entry)
}

func TestUpdateAppendFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: logstore.NewMemory(), allow: 1}

	r := NewRegistry(store).Get("doc", WithClient("a"), WithInitialValue(newItems()),
		WithPollInterval(testPoll), WithLogger(quietLogger()))
	connect(t, r)

	err := r.Update(ctx, func(draft any) any {
		doc := draft.(map[string]any)
		doc["a"] = 1.0
		doc["b"] = 2.0
		return doc
	})
	if !errors.Is(err, errAppend) {
		t.Fatalf("expected errAppend, got %v", err)
	}

	// Only the first patch was proposed.
	want := map[string]any{"items": []any{}, "a": 1.0}
	if got := r.ClientValue(); !cmp.Equal(got, any(want)) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(got, any(want)))
	}
	waitFor(t, "settlement", func() bool {
		return r.PendingLen() == 0 && document.Equal(r.SourceValue(), want)
	})
}
