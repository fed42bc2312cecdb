// Package cart implements the cross-page shopping cart. The in-memory item
// list is authoritative; every mutation is written through to the backend,
// and a failed write is only a logged warning.
package cart

import (
	"log/slog"
	"sync"

	"relivre/internal/store"
	"relivre/pkg/domain"
)

// Store holds the cart line items for one storefront session.
type Store struct {
	mu      sync.Mutex
	backend store.CartBackend
	items   []domain.CartItem
}

// New restores the cart from the backend. A load or parse failure starts an
// empty cart, never an error.
func New(backend store.CartBackend) *Store {
	s := &Store{backend: backend}
	items, err := backend.Load()
	if err != nil {
		slog.Warn("cart restore failed, starting empty", "err", err)
		items = nil
	}
	s.items = items
	return s
}

// AddItem appends a new line or, when the book is already in the cart,
// increments the existing line's quantity. Order of existing lines is
// preserved; new lines go at the end.
func (s *Store) AddItem(item domain.CartItem) {
	if item.Quantity < 1 {
		item.Quantity = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == item.ID {
			s.items[i].Quantity += item.Quantity
			s.persist()
			return
		}
	}
	s.items = append(s.items, item)
	s.persist()
}

// RemoveItem deletes the matching line. Absent ids are a no-op.
func (s *Store) RemoveItem(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	s.persist()
}

// UpdateQuantity replaces a line's quantity in place. A quantity of zero or
// below removes the line instead.
func (s *Store) UpdateQuantity(id int64, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if quantity <= 0 {
		s.removeLocked(id)
		s.persist()
		return
	}
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Quantity = quantity
			break
		}
	}
	s.persist()
}

// Clear empties the cart.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	if err := s.backend.Clear(); err != nil {
		slog.Warn("cart clear persist failed", "err", err)
	}
}

// Contains reports whether a book is already in the cart. Pure lookup, no
// network involved; product views use it to disable duplicate adds.
func (s *Store) Contains(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			return true
		}
	}
	return false
}

// Items returns a copy of the current lines in insertion order.
func (s *Store) Items() []domain.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CartItem, len(s.items))
	copy(out, s.items)
	return out
}

// TotalItems is the sum of quantities, recomputed on every call.
func (s *Store) TotalItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for i := range s.items {
		total += s.items[i].Quantity
	}
	return total
}

// TotalPrice is the sum of price times quantity, in minor currency units.
func (s *Store) TotalPrice() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for i := range s.items {
		total += s.items[i].Price * int64(s.items[i].Quantity)
	}
	return total
}

func (s *Store) removeLocked(id int64) {
	kept := s.items[:0]
	for _, item := range s.items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	s.items = kept
}

// persist writes the full collection through to the backend. The caller
// holds the lock. Failures are downgraded to a warning: the in-memory cart
// stays authoritative for the session.
func (s *Store) persist() {
	if err := s.backend.Save(s.items); err != nil {
		slog.Warn("cart persist failed", "err", err)
	}
}
