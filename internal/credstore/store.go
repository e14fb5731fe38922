// Package credstore persists the durable session tokens that let a
// transport session resume after a restart.
package credstore

import (
	"context"
	"time"
)

// Account is the stored credential material for one owner.
type Account struct {
	// OwnerKey is the registry key the token belongs to.
	OwnerKey string
	// Identity is the login identity, such as a phone number.
	Identity string
	// Token is the binding's exported session token.
	Token string
	// Backend names the transport binding that issued Token.
	Backend   string
	UpdatedAt time.Time
}

// Store persists Accounts. Get and ByIdentity return (nil, nil) when no
// record matches.
type Store interface {
	Get(ctx context.Context, ownerKey string) (*Account, error)
	ByIdentity(ctx context.Context, identity string) (*Account, error)
	Put(ctx context.Context, acct *Account) error
	Delete(ctx context.Context, ownerKey string) error
	List(ctx context.Context) ([]Account, error)
	Close() error
}
