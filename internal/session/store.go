// ABOUTME: Session model and Store interface for the single gateway account
// ABOUTME: Stores also hold the instance lease that keeps a second gateway from starting

package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no session is persisted.
var ErrNotFound = errors.New("session not found")

// ErrLocked is returned when another owner holds the instance lease.
var ErrLocked = errors.New("instance lease held by another owner")

// Session is the durable credential that lets the gateway reconnect without
// pairing again. Credential is opaque to everything except the network driver.
type Session struct {
	AccountID  string    `cbor:"account_id"`
	Credential []byte    `cbor:"credential"`
	PairedAt   time.Time `cbor:"paired_at"`
}

// Store persists at most one Session. Save replaces any previous session.
type Store interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	// Delete removes the session. Deleting a missing session is not an error.
	Delete(ctx context.Context) error

	// Acquire takes the instance lease for owner, or extends it when owner
	// already holds it. Returns ErrLocked while another owner's lease is live.
	Acquire(ctx context.Context, owner string, ttl time.Duration) error
	// Release drops the lease if owner holds it.
	Release(ctx context.Context, owner string) error

	Close() error
}

func validate(s *Session) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if len(s.Credential) == 0 {
		return errors.New("session credential is empty")
	}
	return nil
}
