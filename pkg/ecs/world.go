package ecs

import (
	"sync"
)

// Entity encodes a 32-bit index in the lower bits and a 32-bit generation in
// the upper bits. The generation increments on despawn to invalidate stale handles.
type Entity uint64

// NewEntity builds an entity handle from its parts.
func NewEntity(index, generation uint32) Entity {
	return Entity(uint64(generation)<<32 | uint64(index))
}

// Index returns the slot index of the entity.
func (e Entity) Index() uint32 { return uint32(e) }

// Generation returns the generation of the entity.
func (e Entity) Generation() uint32 { return uint32(e >> 32) }

// entityPool allocates generational entity handles from a free list.
type entityPool struct {
	generations []uint32
	freeList    []uint32
	nextIndex   uint32
	alive       int
}

func (p *entityPool) create() Entity {
	p.alive++
	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return NewEntity(idx, p.generations[idx])
	}
	idx := p.nextIndex
	p.nextIndex++
	p.generations = append(p.generations, 0)
	return NewEntity(idx, 0)
}

func (p *entityPool) isAlive(e Entity) bool {
	idx := e.Index()
	return idx < p.nextIndex && p.generations[idx] == e.Generation()
}

func (p *entityPool) destroy(e Entity) bool {
	if !p.isAlive(e) {
		return false
	}
	idx := e.Index()
	p.generations[idx]++
	p.freeList = append(p.freeList, idx)
	p.alive--
	return true
}

// removable is implemented by every component store so despawned entities can
// be dropped from all of them.
type removable interface {
	remove(e Entity)
}

// World owns entities, component stores and resources.
//
// Structural bookkeeping (the entity pool, the store and resource maps) is
// internally synchronized. Component and resource values are not: concurrent
// systems rely on the schedule never running a writer alongside another
// accessor of the same data.
type World struct {
	registry *Registry

	poolMu sync.Mutex
	pool   entityPool

	despawnMu    sync.Mutex
	despawnQueue []Entity

	storesMu sync.RWMutex
	stores   map[ComponentTypeID]removable

	resourcesMu sync.RWMutex
	resources   map[ResourceID]any
}

// NewWorld creates an empty world using the default ID registry.
func NewWorld() *World {
	return NewWorldWithRegistry(defaultRegistry)
}

// NewWorldWithRegistry creates an empty world bound to the given ID registry.
func NewWorldWithRegistry(registry *Registry) *World {
	if registry == nil {
		registry = defaultRegistry
	}
	return &World{
		registry:  registry,
		stores:    make(map[ComponentTypeID]removable),
		resources: make(map[ResourceID]any),
	}
}

// Registry returns the ID registry of the world.
func (w *World) Registry() *Registry {
	return w.registry
}

// Spawn allocates a new entity.
func (w *World) Spawn() Entity {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	return w.pool.create()
}

// Alive reports whether e refers to a live entity.
func (w *World) Alive(e Entity) bool {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	return w.pool.isAlive(e)
}

// Entities returns the number of live entities.
func (w *World) Entities() int {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	return w.pool.alive
}

// QueueDespawn schedules e for removal at the next Flush. Despawning touches
// every component store, so it is deferred until no system is running.
func (w *World) QueueDespawn(e Entity) {
	w.despawnMu.Lock()
	w.despawnQueue = append(w.despawnQueue, e)
	w.despawnMu.Unlock()
}

// Flush applies queued despawns and returns how many entities were removed.
// It must not be called while systems are running.
func (w *World) Flush() int {
	w.despawnMu.Lock()
	queue := w.despawnQueue
	w.despawnQueue = nil
	w.despawnMu.Unlock()

	removed := 0
	for _, e := range queue {
		w.poolMu.Lock()
		ok := w.pool.destroy(e)
		w.poolMu.Unlock()
		if !ok {
			continue
		}
		w.storesMu.RLock()
		for _, s := range w.stores {
			s.remove(e)
		}
		w.storesMu.RUnlock()
		removed++
	}
	return removed
}

// ComponentStore is a sparse set of components of type T keyed by entity.
// Iteration order is insertion order, adjusted by swap-removal.
type ComponentStore[T any] struct {
	dense    []T
	entities []Entity
	sparse   map[Entity]int
}

func newComponentStore[T any]() *ComponentStore[T] {
	return &ComponentStore[T]{sparse: make(map[Entity]int, 64)}
}

// Set inserts or replaces the component of e.
func (s *ComponentStore[T]) Set(e Entity, value T) {
	if i, ok := s.sparse[e]; ok {
		s.dense[i] = value
		return
	}
	s.sparse[e] = len(s.dense)
	s.dense = append(s.dense, value)
	s.entities = append(s.entities, e)
}

// Get returns a pointer to the component of e. The pointer is valid until the
// next structural change of the store.
func (s *ComponentStore[T]) Get(e Entity) (*T, bool) {
	i, ok := s.sparse[e]
	if !ok {
		return nil, false
	}
	return &s.dense[i], true
}

// Has reports whether e has a component in this store.
func (s *ComponentStore[T]) Has(e Entity) bool {
	_, ok := s.sparse[e]
	return ok
}

// Remove drops the component of e if present.
func (s *ComponentStore[T]) Remove(e Entity) {
	s.remove(e)
}

func (s *ComponentStore[T]) remove(e Entity) {
	i, ok := s.sparse[e]
	if !ok {
		return
	}
	last := len(s.dense) - 1
	if i != last {
		s.dense[i] = s.dense[last]
		s.entities[i] = s.entities[last]
		s.sparse[s.entities[i]] = i
	}
	var zero T
	s.dense[last] = zero
	s.dense = s.dense[:last]
	s.entities = s.entities[:last]
	delete(s.sparse, e)
}

// Len returns the number of stored components.
func (s *ComponentStore[T]) Len() int {
	return len(s.dense)
}

// Each calls fn for every stored component.
func (s *ComponentStore[T]) Each(fn func(Entity, *T)) {
	for i := range s.dense {
		fn(s.entities[i], &s.dense[i])
	}
}

// Components returns the store for component type T, creating it on first use.
func Components[T any](w *World) *ComponentStore[T] {
	id := w.registry.Component(typeName[T]())

	w.storesMu.RLock()
	s, ok := w.stores[id]
	w.storesMu.RUnlock()
	if ok {
		return s.(*ComponentStore[T])
	}

	w.storesMu.Lock()
	defer w.storesMu.Unlock()
	if s, ok := w.stores[id]; ok {
		return s.(*ComponentStore[T])
	}
	store := newComponentStore[T]()
	w.stores[id] = store
	return store
}

// Each2 iterates over entities that have both component A and B, walking the
// smaller store.
func Each2[A, B any](sa *ComponentStore[A], sb *ComponentStore[B], fn func(Entity, *A, *B)) {
	if sa.Len() <= sb.Len() {
		for i := range sa.dense {
			if b, ok := sb.Get(sa.entities[i]); ok {
				fn(sa.entities[i], &sa.dense[i], b)
			}
		}
		return
	}
	for i := range sb.dense {
		if a, ok := sa.Get(sb.entities[i]); ok {
			fn(sb.entities[i], a, &sb.dense[i])
		}
	}
}

// SetResource stores value as the resource of type T.
func SetResource[T any](w *World, value T) {
	id := w.registry.Resource(typeName[T]())
	v := value
	w.resourcesMu.Lock()
	w.resources[id] = &v
	w.resourcesMu.Unlock()
}

// Resource returns a pointer to the resource of type T.
func Resource[T any](w *World) (*T, bool) {
	id := w.registry.Resource(typeName[T]())
	w.resourcesMu.RLock()
	v, ok := w.resources[id]
	w.resourcesMu.RUnlock()
	if !ok {
		return nil, false
	}
	p, ok := v.(*T)
	return p, ok
}

// SetValue stores an untyped resource value under id. Scripted systems use
// untyped values addressed by resource name.
func (w *World) SetValue(id ResourceID, value any) {
	w.resourcesMu.Lock()
	w.resources[id] = value
	w.resourcesMu.Unlock()
}

// Value returns the untyped resource value stored under id.
func (w *World) Value(id ResourceID) (any, bool) {
	w.resourcesMu.RLock()
	defer w.resourcesMu.RUnlock()
	v, ok := w.resources[id]
	return v, ok
}
