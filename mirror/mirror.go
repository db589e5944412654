// Package mirror implements the Live Mirror: a keyed local cache kept
// coherent by exactly one follow-mode stream per (path, query), broadcasting
// the current snapshot to every attached listener on each change.
package mirror

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/routeros-client/rosclient/follow"
	"github.com/routeros-client/rosclient/router"
)

// Row is one item's merged attribute set.
type Row = map[string]string

// Listener receives the full current snapshot after every change to the
// mirror. Order within the returned slice is not semantically meaningful.
type Listener func(snapshot []Row)

// Key canonicalizes a (path, query) pair into the identity a Registry
// deduplicates mirrors by.
func Key(path string, query map[string]string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(path)
	for _, k := range keys {
		sb.WriteByte('\x00')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(query[k])
	}
	return sb.String()
}

// Mirror is the keyed local cache for one (path, query) follow stream.
type Mirror struct {
	path string

	mu        sync.Mutex
	items     map[string]Row
	listeners map[int]Listener
	nextID    int

	cancel  context.CancelFunc
	stopped chan struct{}
	onEmpty func()
}

// requiredProps are merged into every caller-requested proplist so identity
// and deletion are always observable on the wire.
var requiredProps = []string{".id", ".dead"}

// Start begins the follow-mode stream and returns a Mirror with zero
// attached listeners. Callers normally go through a Registry rather than
// calling Start directly, so that (path, query) stays a process-wide
// singleton within one facade. onEmpty, if non-nil, is invoked exactly once
// when the last subscriber detaches, after the stream has stopped and the
// cache cleared — the hook a Registry uses to remove its own entry and break
// the Mirror<->Registry reference cycle.
func Start(ctx context.Context, core *router.Core, path string, query map[string]string, proplist []string, onEmpty func()) *Mirror {
	ctx, cancel := context.WithCancel(ctx)
	m := &Mirror{
		path:      path,
		items:     make(map[string]Row),
		listeners: make(map[int]Listener),
		cancel:    cancel,
		stopped:   make(chan struct{}),
		onEmpty:   onEmpty,
	}

	words := buildWords(query, proplist)
	go m.run(ctx, core, path, words)
	return m
}

// buildWords renders the follow-mode body as preformed words rather than
// router.Params, so the "=follow=" sentinel that marks this print as a
// continuous stream (instead of a one-shot listing) can be sent exactly as
// the protocol expects, alongside the query attributes and the merged
// proplist.
func buildWords(query map[string]string, proplist []string) []string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	words := make([]string, 0, len(query)+2)
	for _, k := range keys {
		words = append(words, "="+k+"="+query[k])
	}
	all := append(append([]string{}, requiredProps...), proplist...)
	words = append(words, "=.proplist="+strings.Join(dedupeProps(all), ","))
	words = append(words, "=follow=")
	return words
}

func dedupeProps(props []string) []string {
	seen := make(map[string]bool, len(props))
	out := make([]string, 0, len(props))
	for _, p := range props {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (m *Mirror) run(ctx context.Context, core *router.Core, path string, words []string) {
	defer close(m.stopped)
	for row, err := range follow.CallWords(ctx, core, path+"/print", words) {
		if err != nil {
			if ctx.Err() == nil {
				glog.V(1).Infof("mirror(%s): stream ended: %v", path, err)
			}
			return
		}
		m.applyPacket(row)
	}
}

// applyPacket implements the per-packet merge rule: resolve identity from
// .id falling back to name, drop identity-less packets, remove on .dead,
// otherwise strip leading '.' from keys and merge partial-update semantics.
func (m *Mirror) applyPacket(packet Row) {
	id := packet[".id"]
	if id == "" {
		id = packet["name"]
	}
	if id == "" {
		return
	}

	m.mu.Lock()
	if truthy(packet[".dead"]) {
		delete(m.items, id)
	} else {
		existing, ok := m.items[id]
		if !ok {
			existing = make(Row)
		}
		for k, v := range packet {
			if k == ".dead" {
				continue
			}
			existing[strings.TrimPrefix(k, ".")] = v
		}
		existing["id"] = id
		m.items[id] = existing
	}
	snapshot := m.snapshotLocked()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}

func (m *Mirror) snapshotLocked() []Row {
	out := make([]Row, 0, len(m.items))
	for _, row := range m.items {
		out = append(out, row)
	}
	return out
}

// Snapshot returns the mirror's current rows.
func (m *Mirror) Snapshot() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Attach registers a listener and returns its id along with an immediate
// replay of the current snapshot (hot-observable semantics: a new
// subscriber does not wait for the next change to see current state).
func (m *Mirror) Attach(l Listener) (id int, initial []Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id = m.nextID
	m.listeners[id] = l
	return id, m.snapshotLocked()
}

// Detach removes a listener. When it was the last one, the follow stream is
// stopped and the cache cleared, then onEmpty (if set) is invoked.
func (m *Mirror) Detach(id int) {
	m.mu.Lock()
	delete(m.listeners, id)
	empty := len(m.listeners) == 0
	if empty {
		m.items = make(map[string]Row)
	}
	m.mu.Unlock()

	if !empty {
		return
	}
	m.cancel()
	<-m.stopped
	if m.onEmpty != nil {
		m.onEmpty()
	}
}

// Registry deduplicates mirrors by (path, query) within one facade: the
// first subscription for a key starts the stream, the last detachment stops
// it and removes the registry entry.
type Registry struct {
	core *router.Core

	mu      sync.Mutex
	mirrors map[string]*Mirror
}

// NewRegistry constructs a Registry bound to core's connection.
func NewRegistry(core *router.Core) *Registry {
	return &Registry{core: core, mirrors: make(map[string]*Mirror)}
}

// Subscribe attaches l to the mirror for (path, query), creating and
// starting the mirror if this is the first subscriber. It returns a detach
// function the caller must invoke exactly once to release its subscription.
func (r *Registry) Subscribe(ctx context.Context, path string, query map[string]string, proplist []string, l Listener) (initial []Row, detach func()) {
	key := Key(path, query)

	r.mu.Lock()
	m, ok := r.mirrors[key]
	if !ok {
		m = Start(ctx, r.core, path, query, proplist, func() {
			r.mu.Lock()
			if r.mirrors[key] == m {
				delete(r.mirrors, key)
			}
			r.mu.Unlock()
		})
		r.mirrors[key] = m
	}
	r.mu.Unlock()

	id, initial := m.Attach(l)
	return initial, func() { m.Detach(id) }
}

// Len reports the number of distinct (path, query) mirrors currently active,
// for diagnostics and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mirrors)
}
