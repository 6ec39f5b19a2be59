// Package store persists Kiro account records. Two backends implement the
// same contract: a relational one over database/sql (PostgreSQL via pgx or
// SQLite via modernc) and a JSON file fallback for deployments without a
// database.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/account"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("account not found")

// Patch describes a partial account update. Nil fields are left untouched.
type Patch struct {
	Name     *string
	IsActive *bool
}

// Store is the account persistence contract. Implementations are safe for
// concurrent use.
type Store interface {
	// List returns every record, ordered by id.
	List(ctx context.Context) ([]*account.Record, error)
	// ListActive returns the active records, ordered by id.
	ListActive(ctx context.Context) ([]*account.Record, error)
	// Get returns one record or ErrNotFound.
	Get(ctx context.Context, id int64) (*account.Record, error)
	// Insert stores a new record and returns it with its assigned id.
	Insert(ctx context.Context, rec *account.Record) (*account.Record, error)
	// Update applies a partial update or returns ErrNotFound.
	Update(ctx context.Context, id int64, patch Patch) error
	// UpdateTokens writes the result of a successful refresh. Empty
	// refreshToken or profileArn keep the stored values; expiry never
	// moves backwards.
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken, profileArn string, expiresAt time.Time) error
	// TouchUsage bumps request_count and last_used_at.
	TouchUsage(ctx context.Context, id int64) error
	// Delete removes a record or returns ErrNotFound.
	Delete(ctx context.Context, id int64) error
	// TotalRequestCount sums request_count across all records.
	TotalRequestCount(ctx context.Context) (int64, error)
	// Close releases backend resources.
	Close() error
}

// Open selects a backend from databaseURL. postgres:// URLs use the pgx
// driver, any other non-empty value is treated as a SQLite DSN, and an empty
// value selects the JSON file backend at filePath. A database that cannot be
// reached at startup degrades to the file backend rather than failing boot.
func Open(ctx context.Context, databaseURL, filePath string) (Store, error) {
	if databaseURL != "" {
		s, err := OpenSQL(ctx, databaseURL)
		if err == nil {
			return s, nil
		}
		log.WithError(err).Warn("database unavailable, falling back to file store")
	}
	return OpenFile(filePath)
}

// IsPostgresURL reports whether the DSN selects the pgx driver.
func IsPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}
