package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/rs/zerolog/log"
)

// Resource is one registered transport, producer or consumer.
type Resource struct {
	Kind    domain.ResourceKind
	ID      domain.ResourceID
	Owner   domain.UserID
	Session core.SessionID

	// TransportID is set for producers and consumers, ProducerID for consumers.
	TransportID domain.ResourceID
	ProducerID  domain.ResourceID
	MediaKind   domain.MediaKind

	Producing bool
	Consuming bool
	// Announced is set on a producer once its owner holds the produce reply; only
	// announced producers are advertised to room members.
	Announced bool

	Handle    core.Closable
	CreatedAt time.Time
}

func (r Resource) Key() domain.ResourceKey {
	return domain.ResourceKey{Kind: r.Kind, ID: r.ID}
}

// Topology is the resource store. Lookups take a short global lock; mutation sequences of one
// owner are serialized by a per-owner lock so a sweep and a late insert cannot interleave.
type Topology struct {
	mu         sync.RWMutex
	entries    map[domain.ResourceKey]*Resource
	owners     map[domain.UserID]map[domain.ResourceKey]struct{}
	byParent   map[domain.ResourceID]map[domain.ResourceKey]struct{}
	byProducer map[domain.ResourceID]map[domain.ResourceID]struct{}

	locks keyedMutex
}

func NewTopology() *Topology {
	return &Topology{
		entries:    make(map[domain.ResourceKey]*Resource),
		owners:     make(map[domain.UserID]map[domain.ResourceKey]struct{}),
		byParent:   make(map[domain.ResourceID]map[domain.ResourceKey]struct{}),
		byProducer: make(map[domain.ResourceID]map[domain.ResourceID]struct{}),
		locks:      keyedMutex{locks: make(map[domain.UserID]*refMutex)},
	}
}

// Put registers res on behalf of the session whose lifetime is ctx.
// It fails with ErrSessionClosed once ctx is done, and with ErrNotFound when the
// transport (or producer) the resource hangs off is already gone.
func (t *Topology) Put(ctx context.Context, res Resource) error {
	if res.Owner == "" {
		return fmt.Errorf("put %s %s: %w", res.Kind, res.ID, domain.ErrUnauthenticated)
	}
	unlock := t.locks.Lock(res.Owner)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put %s %s: %w", res.Kind, res.ID, domain.ErrSessionClosed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	key := res.Key()
	if _, ok := t.entries[key]; ok {
		return fmt.Errorf("put %s %s: duplicate id: %w", res.Kind, res.ID, domain.ErrEngineFailure)
	}
	if res.TransportID != "" {
		if _, ok := t.entries[domain.ResourceKey{Kind: domain.KindTransport, ID: res.TransportID}]; !ok {
			return fmt.Errorf("put %s %s: transport %s: %w", res.Kind, res.ID, res.TransportID, domain.ErrNotFound)
		}
	}
	if res.ProducerID != "" {
		if _, ok := t.entries[domain.ResourceKey{Kind: domain.KindProducer, ID: res.ProducerID}]; !ok {
			return fmt.Errorf("put %s %s: producer %s: %w", res.Kind, res.ID, res.ProducerID, domain.ErrNotFound)
		}
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	stored := res
	t.entries[key] = &stored
	addIndex(t.owners, res.Owner, key)
	if res.TransportID != "" {
		addIndex(t.byParent, res.TransportID, key)
	}
	if res.Kind == domain.KindConsumer {
		addIndex(t.byProducer, res.ProducerID, res.ID)
	}
	log.Debug().Str("module", "app.topology").Str("kind", res.Kind.String()).Str("id", string(res.ID)).Str("owner", string(res.Owner)).Msg("registered")
	return nil
}

func (t *Topology) Get(kind domain.ResourceKind, id domain.ResourceID) (Resource, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[domain.ResourceKey{Kind: kind, ID: id}]
	if !ok {
		return Resource{}, fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return *e, nil
}

// GetOwned is Get restricted to records tagged with owner.
func (t *Topology) GetOwned(kind domain.ResourceKind, id domain.ResourceID, owner domain.UserID) (Resource, error) {
	res, err := t.Get(kind, id)
	if err != nil {
		return Resource{}, err
	}
	if res.Owner != owner {
		return Resource{}, fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return res, nil
}

// RemoveIfOwner deletes the record only when it is tagged with owner.
func (t *Topology) RemoveIfOwner(kind domain.ResourceKind, id domain.ResourceID, owner domain.UserID) bool {
	unlock := t.locks.Lock(owner)
	defer unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	key := domain.ResourceKey{Kind: kind, ID: id}
	e, ok := t.entries[key]
	if !ok || e.Owner != owner {
		return false
	}
	t.removeLocked(key, e)
	return true
}

// MarkAnnounced flags owner's producer id as advertised. It reports false when the
// producer is already gone.
func (t *Topology) MarkAnnounced(id domain.ResourceID, owner domain.UserID) bool {
	unlock := t.locks.Lock(owner)
	defer unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[domain.ResourceKey{Kind: domain.KindProducer, ID: id}]
	if !ok || e.Owner != owner {
		return false
	}
	e.Announced = true
	return true
}

func (t *Topology) AllOwnedBy(owner domain.UserID) []domain.ResourceKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := t.owners[owner]
	out := make([]domain.ResourceKey, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

// OwnedBy returns owner's records of one kind.
func (t *Topology) OwnedBy(owner domain.UserID, kind domain.ResourceKind) []Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Resource, 0)
	for k := range t.owners[owner] {
		if k.Kind == kind {
			out = append(out, *t.entries[k])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep removes everything owner holds. Producers come first, then consumers, then transports.
func (t *Topology) Sweep(owner domain.UserID) []Resource {
	unlock := t.locks.Lock(owner)
	defer unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := t.owners[owner]
	out := make([]Resource, 0, len(keys))
	for k := range keys {
		e := t.entries[k]
		out = append(out, *e)
		t.removeLocked(k, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return sweepRank(out[i].Kind) < sweepRank(out[j].Kind) })
	return out
}

// DependentsOf lists producers and consumers created on transport id.
func (t *Topology) DependentsOf(id domain.ResourceID) []Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()
	children := t.byParent[id]
	out := make([]Resource, 0, len(children))
	for k := range children {
		out = append(out, *t.entries[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return sweepRank(out[i].Kind) < sweepRank(out[j].Kind) })
	return out
}

// ConsumersOf lists consumers of any owner that pull producer id.
func (t *Topology) ConsumersOf(id domain.ResourceID) []Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()
	consumers := t.byProducer[id]
	out := make([]Resource, 0, len(consumers))
	for cid := range consumers {
		if e, ok := t.entries[domain.ResourceKey{Kind: domain.KindConsumer, ID: cid}]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Counts reports live records per kind.
func (t *Topology) Counts() map[domain.ResourceKind]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := map[domain.ResourceKind]int{
		domain.KindTransport: 0,
		domain.KindProducer:  0,
		domain.KindConsumer:  0,
	}
	for k := range t.entries {
		out[k.Kind]++
	}
	return out
}

// Snapshot maps every live key to its owner.
func (t *Topology) Snapshot() map[domain.ResourceKey]domain.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[domain.ResourceKey]domain.UserID, len(t.entries))
	for k, e := range t.entries {
		out[k] = e.Owner
	}
	return out
}

func (t *Topology) removeLocked(key domain.ResourceKey, e *Resource) {
	delete(t.entries, key)
	removeIndex(t.owners, e.Owner, key)
	if e.TransportID != "" {
		removeIndex(t.byParent, e.TransportID, key)
	}
	if e.Kind == domain.KindConsumer {
		removeIndex(t.byProducer, e.ProducerID, e.ID)
	}
	log.Debug().Str("module", "app.topology").Str("kind", e.Kind.String()).Str("id", string(e.ID)).Str("owner", string(e.Owner)).Msg("removed")
}

func sweepRank(k domain.ResourceKind) int {
	switch k {
	case domain.KindProducer:
		return 0
	case domain.KindConsumer:
		return 1
	default:
		return 2
	}
}

func addIndex[K, V comparable](idx map[K]map[V]struct{}, k K, v V) {
	set, ok := idx[k]
	if !ok {
		set = make(map[V]struct{})
		idx[k] = set
	}
	set[v] = struct{}{}
}

func removeIndex[K, V comparable](idx map[K]map[V]struct{}, k K, v V) {
	set, ok := idx[k]
	if !ok {
		return
	}
	delete(set, v)
	if len(set) == 0 {
		delete(idx, k)
	}
}

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per owner and forgets it when nobody holds a reference.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[domain.UserID]*refMutex
}

func (k *keyedMutex) Lock(owner domain.UserID) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[owner]
	if !ok {
		m = &refMutex{}
		k.locks[owner] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, owner)
		}
		k.mu.Unlock()
	}
}
