// Package ecs implements the per-container entity-component store: a
// column-oriented, thread-safe table of floating-point component values
// indexed by a recyclable row allocator.
package ecs

import (
	"sort"
	"strconv"
	"sync"

	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
)

// ComponentKey identifies a component column by the module that owns it and
// the component's name within that module.
type ComponentKey struct {
	Module    string
	Component string
}

// String renders the key in the "module.component" form used for cache keys
// and tie-break ordering.
func (k ComponentKey) String() string {
	return k.Module + "." + k.Component
}

type column struct {
	values   []float32
	presence []bool
}

func newColumn(capacity int) *column {
	return &column{
		values:   make([]float32, capacity),
		presence: make([]bool, capacity),
	}
}

func (c *column) grow(capacity int) {
	if capacity <= len(c.values) {
		return
	}
	values := make([]float32, capacity)
	presence := make([]bool, capacity)
	copy(values, c.values)
	copy(presence, c.presence)
	c.values = values
	c.presence = presence
}

// Store is a thread-safe, column-oriented entity/component table. A single
// multi-reader/single-writer lock guards the whole store: writers block all
// readers, multiple readers proceed in parallel, and every operation
// returns owned copies rather than aliasing internal slices.
type Store struct {
	mu sync.RWMutex

	columns map[ComponentKey]*column

	entityRow map[int]int
	rowEntity map[int]int
	freeList  []int

	nextRow     int
	rowCapacity int
	maxCapacity int
}

// DefaultInitialCapacity and DefaultMaxCapacity bound a store created with
// NewStore's zero-value capacity arguments.
const (
	DefaultInitialCapacity = 256
	DefaultMaxCapacity     = 1 << 20
)

// NewStore creates an empty store. initialCapacity is the number of rows
// pre-allocated before any geometric growth; maxCapacity is the hard cap a
// store will never grow past. Zero values fall back to the package
// defaults.
func NewStore(initialCapacity, maxCapacity int) *Store {
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	if maxCapacity <= 0 {
		maxCapacity = DefaultMaxCapacity
	}
	if maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}

	return &Store{
		columns:     make(map[ComponentKey]*column),
		entityRow:   make(map[int]int),
		rowEntity:   make(map[int]int),
		rowCapacity: initialCapacity,
		maxCapacity: maxCapacity,
	}
}

// CreateEntity assigns a row index to id, preferring a recycled row from the
// free list. Fails with CAPACITY_EXCEEDED once the store's hard cap is
// reached. Calling CreateEntity on an id that is already live is an error;
// the round trip create/delete/create on the same id is the supported
// idempotent path.
func (s *Store) CreateEntity(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, live := s.entityRow[id]; live {
		return errors.AlreadyExists("entity", strconv.Itoa(id))
	}

	row, err := s.allocateRow()
	if err != nil {
		return err
	}

	s.entityRow[id] = row
	s.rowEntity[row] = id
	return nil
}

func (s *Store) allocateRow() (int, error) {
	if n := len(s.freeList); n > 0 {
		row := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		return row, nil
	}

	if s.nextRow >= s.rowCapacity {
		if s.rowCapacity >= s.maxCapacity {
			return 0, errors.CapacityExceeded("entity")
		}
		newCapacity := s.rowCapacity * 2
		if newCapacity > s.maxCapacity {
			newCapacity = s.maxCapacity
		}
		for _, col := range s.columns {
			col.grow(newCapacity)
		}
		s.rowCapacity = newCapacity
	}

	row := s.nextRow
	s.nextRow++
	return row, nil
}

// DeleteEntity clears every presence bit for id and returns its row to the
// free list. Deleting an id that is not live is a no-op, matching the
// store's policy that operations on absent entities never fail.
func (s *Store) DeleteEntity(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.entityRow[id]
	if !ok {
		return
	}

	for _, col := range s.columns {
		if row < len(col.presence) {
			col.presence[row] = false
		}
	}

	delete(s.entityRow, id)
	delete(s.rowEntity, row)
	s.freeList = append(s.freeList, row)
}

func (s *Store) columnFor(key ComponentKey) *column {
	col, ok := s.columns[key]
	if ok {
		return col
	}
	col = newColumn(s.rowCapacity)
	s.columns[key] = col
	return col
}

// AttachComponent sets the presence bit and value for (entity, key). Fatal
// with ENTITY_NOT_FOUND when entity has no row — unlike reads, writes to a
// missing entity are treated as programmer error.
func (s *Store) AttachComponent(entity int, key ComponentKey, value float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.entityRow[entity]
	if !ok {
		return errors.NotFound("entity", strconv.Itoa(entity))
	}

	col := s.columnFor(key)
	col.values[row] = value
	col.presence[row] = true
	return nil
}

// AttachComponents attaches a batch of components to entity as a single
// critical section: either every key/value pair commits or none does.
func (s *Store) AttachComponents(entity int, keys []ComponentKey, values []float32) error {
	if len(keys) != len(values) {
		return errors.InvalidInput("values", "must have the same length as keys")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.entityRow[entity]
	if !ok {
		return errors.NotFound("entity", strconv.Itoa(entity))
	}

	cols := make([]*column, len(keys))
	for i, key := range keys {
		cols[i] = s.columnFor(key)
	}
	for i, col := range cols {
		col.values[row] = values[i]
		col.presence[row] = true
	}
	return nil
}

// GetComponent returns the component's value, or 0 if the entity, the
// component column, or the presence bit is unset.
func (s *Store) GetComponent(entity int, key ComponentKey) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.entityRow[entity]
	if !ok {
		return 0
	}
	col, ok := s.columns[key]
	if !ok || row >= len(col.presence) || !col.presence[row] {
		return 0
	}
	return col.values[row]
}

// GetComponents fills out, in input order, with each key's value (or 0 if
// absent). out must be at least len(keys).
func (s *Store) GetComponents(entity int, keys []ComponentKey, out []float32) error {
	if len(out) < len(keys) {
		return errors.InvalidInput("out", "must be at least len(keys)")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, live := s.entityRow[entity]
	for i, key := range keys {
		if !live {
			out[i] = 0
			continue
		}
		col, ok := s.columns[key]
		if !ok || row >= len(col.presence) || !col.presence[row] {
			out[i] = 0
			continue
		}
		out[i] = col.values[row]
	}
	return nil
}

// HasComponent reports whether entity has key's presence bit set.
func (s *Store) HasComponent(entity int, key ComponentKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.entityRow[entity]
	if !ok {
		return false
	}
	col, ok := s.columns[key]
	if !ok || row >= len(col.presence) {
		return false
	}
	return col.presence[row]
}

// GetEntitiesWithComponents returns the set of entity ids whose presence
// bits are set for every supplied key. With no keys, it returns every live
// entity. The scan starts from the smallest presence set (ties broken by
// lexicographically smaller key) and intersects progressively, so a
// selective early column prunes the rest of the scan.
func (s *Store) GetEntitiesWithComponents(keys ...ComponentKey) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(keys) == 0 {
		result := make([]int, 0, len(s.entityRow))
		for id := range s.entityRow {
			result = append(result, id)
		}
		return result
	}

	type ranked struct {
		key   ComponentKey
		col   *column
		count int
	}
	candidates := make([]ranked, 0, len(keys))
	for _, key := range keys {
		col, ok := s.columns[key]
		if !ok {
			return []int{}
		}
		candidates = append(candidates, ranked{key: key, col: col, count: countSet(col.presence)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].key.String() < candidates[j].key.String()
	})

	first := candidates[0].col
	result := make([]int, 0)
	for row, present := range first.presence {
		if !present {
			continue
		}
		matches := true
		for _, c := range candidates[1:] {
			if row >= len(c.col.presence) || !c.col.presence[row] {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		if id, ok := s.rowEntity[row]; ok {
			result = append(result, id)
		}
	}
	return result
}

func countSet(bits []bool) int {
	n := 0
	for _, b := range bits {
		if b {
			n++
		}
	}
	return n
}

// Reset clears all entities, components, and free-list state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.columns = make(map[ComponentKey]*column)
	s.entityRow = make(map[int]int)
	s.rowEntity = make(map[int]int)
	s.freeList = nil
	s.nextRow = 0
}

// LiveEntityCount returns the number of currently live entities.
func (s *Store) LiveEntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entityRow)
}
