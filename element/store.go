package element

import (
	"errors"
	"sort"
	"sync"
)

// Common errors returned by store operations.
var (
	// ErrNotFound is returned when the requested element does not exist.
	ErrNotFound = errors.New("element: not found")

	// ErrExists is returned when inserting an element whose id is taken.
	ErrExists = errors.New("element: id already exists")

	// ErrInvalidID is returned when an id is empty.
	ErrInvalidID = errors.New("element: invalid id")
)

// Store is the in-memory registry of every discovered entity, keyed by
// unique id. It is the system of record during a session; the persistence
// adapter is its durable mirror and is written only through the sync writer.
//
// All reads hand out deep copies; all mutation goes through Update, which
// runs the caller's closure under the store lock so a read-modify-write is
// atomic with respect to other goroutines.
type Store struct {
	mu       sync.RWMutex
	elements map[string]*Element
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{elements: make(map[string]*Element)}
}

// Get returns a copy of the element with the given id.
func (s *Store) Get(id string) (*Element, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.elements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return el.Clone(), nil
}

// Has reports whether id is known.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.elements[id]
	return ok
}

// Insert adds a new element. The id must be unset nowhere else; ids are
// globally unique across categories and products.
func (s *Store) Insert(el *Element) error {
	if el == nil || el.ID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elements[el.ID]; ok {
		return ErrExists
	}
	s.elements[el.ID] = el
	return nil
}

// Update runs fn against the live element under the store lock. Fields not
// touched by fn are preserved, which realizes the merge-patch contract.
// fn must not retain the pointer past its return.
func (s *Store) Update(id string, fn func(*Element)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[id]
	if !ok {
		return ErrNotFound
	}
	fn(el)
	return nil
}

// UpdateOrInsert is Update, except a missing id is created first via
// NewElement. Used by result handlers that upsert products mid-pipeline.
func (s *Store) UpdateOrInsert(id string, fn func(*Element)) error {
	if id == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[id]
	if !ok {
		el = NewElement(id)
		s.elements[id] = el
	}
	fn(el)
	return nil
}

// Delete removes the element. Only the manual-review reject flow deletes
// elements; the pipeline itself never does.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elements[id]; !ok {
		return ErrNotFound
	}
	delete(s.elements, id)
	return nil
}

// All returns copies of every element, ordered by id for deterministic
// iteration.
func (s *Store) All() []*Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Element, 0, len(s.elements))
	for _, el := range s.elements {
		out = append(out, el.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every known id, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.elements))
	for id := range s.elements {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked elements.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elements)
}
