// Package store holds the persisted client state: the auth token in one of
// two scopes and the serialized cart. A durable scope survives restarts
// (Redis); a session scope lives only as long as the process.
package store

import "relivre/pkg/domain"

// TokenStore persists a single opaque credential string. The token is never
// parsed, only stored and cleared.
type TokenStore interface {
	Read() (string, bool, error)
	Write(token string) error
	Clear() error
}

// CartBackend persists the full cart line-item collection under one key.
type CartBackend interface {
	Load() ([]domain.CartItem, error)
	Save(items []domain.CartItem) error
	Clear() error
}
