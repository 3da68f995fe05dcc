// Package storage provides the keyed, TTL-bound record store the protocol
// engine keeps its ephemeral state in: sessions, interactions, authorization
// codes, grants and opaque tokens.  Records are opaque byte payloads; the
// engine owns their shape.
//
// Take is the store's single-winner primitive: it atomically reads and
// deletes a record, so two concurrent redemptions of the same one-time
// record see exactly one success.
package storage

import (
	"context"
	"errors"
	"time"
)

// Record kinds used by the engine.  Backends must keep kinds in separate
// namespaces.
const (
	KindSession      = "session"
	KindInteraction  = "interaction"
	KindCode         = "code"
	KindGrant        = "grant"
	KindAccessToken  = "access_token"
	KindRefreshToken = "refresh_token"
	KindConsumed     = "consumed"
)

// ErrNotFound is returned when no live record exists under the given kind
// and id.  Expired records are reported as not found even if a backend has
// not physically reclaimed them yet.
var ErrNotFound = errors.New("storage: record not found")

// Store is the persistence contract for protocol records.  Every record
// carries a TTL; implementations must never return an expired record.
type Store interface {
	// Put stores value under (kind, id) with the given ttl, replacing any
	// existing record.
	Put(ctx context.Context, kind, id string, value []byte, ttl time.Duration) error

	// Get returns the live record under (kind, id) or ErrNotFound.
	Get(ctx context.Context, kind, id string) ([]byte, error)

	// Take atomically returns and deletes the live record under (kind,
	// id). At most one concurrent caller receives the record; all others
	// get ErrNotFound.
	Take(ctx context.Context, kind, id string) ([]byte, error)

	// Delete removes the record under (kind, id).  Deleting an absent
	// record is not an error.
	Delete(ctx context.Context, kind, id string) error

	// SweepExpired reclaims expired records and reports how many were
	// removed.  Backends with native expiry may make this a no-op.
	SweepExpired(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
