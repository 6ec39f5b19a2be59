package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/router-for-me/KiroGateway/internal/account"
)

// SQLStore implements Store over database/sql. The same code serves
// PostgreSQL (pgx stdlib driver) and SQLite (modernc); the only differences
// are the id column definition and the placeholder style. Timestamps are
// stored as RFC 3339 text so both engines round-trip them identically.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// OpenSQL connects, pings, and creates the accounts table when missing.
func OpenSQL(ctx context.Context, databaseURL string) (*SQLStore, error) {
	driver, dsn := "sqlite", databaseURL
	postgres := IsPostgresURL(databaseURL)
	if postgres {
		driver = "pgx"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLStore{db: db, postgres: postgres}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kiro_accounts (
	id %s,
	name VARCHAR(255) NOT NULL,
	auth_method VARCHAR(50),
	provider VARCHAR(50),
	access_token TEXT,
	refresh_token TEXT,
	profile_arn VARCHAR(500),
	region VARCHAR(50) DEFAULT 'us-east-1',
	expires_at TEXT,
	created_at TEXT,
	updated_at TEXT,
	last_used_at TEXT,
	is_active BOOLEAN DEFAULT TRUE,
	request_count BIGINT DEFAULT 0,
	extra_data TEXT
)`, idCol)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create kiro_accounts table: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

const recordColumns = `id, name, auth_method, provider, access_token, refresh_token,
	profile_arn, region, expires_at, created_at, updated_at, last_used_at,
	is_active, request_count, extra_data`

func scanRecord(row interface{ Scan(...any) error }) (*account.Record, error) {
	var (
		rec                                      account.Record
		authMethod, provider, access, refresh    sql.NullString
		profileArn, region, extra                sql.NullString
		expiresAt, createdAt, updated, lastUsed  sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Name, &authMethod, &provider, &access, &refresh,
		&profileArn, &region, &expiresAt, &createdAt, &updated, &lastUsed,
		&rec.IsActive, &rec.RequestCount, &extra)
	if err != nil {
		return nil, err
	}
	rec.AuthMethod = authMethod.String
	rec.Provider = provider.String
	rec.AccessToken = access.String
	rec.RefreshToken = refresh.String
	rec.ProfileArn = profileArn.String
	rec.Region = region.String
	rec.ExpiresAt = parseStoredTime(expiresAt)
	rec.CreatedAt = parseStoredTime(createdAt)
	rec.UpdatedAt = parseStoredTime(updated)
	rec.LastUsedAt = parseStoredTime(lastUsed)
	if extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &rec.ExtraData); err != nil {
			return nil, fmt.Errorf("decode extra_data for account %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func parseStoredTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func storedTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *SQLStore) queryRecords(ctx context.Context, where string, args ...any) ([]*account.Record, error) {
	query := "SELECT " + recordColumns + " FROM kiro_accounts"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()
	var out []*account.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// List returns every record, ordered by id.
func (s *SQLStore) List(ctx context.Context) ([]*account.Record, error) {
	return s.queryRecords(ctx, "")
}

// ListActive returns active records, ordered by id.
func (s *SQLStore) ListActive(ctx context.Context) ([]*account.Record, error) {
	return s.queryRecords(ctx, "is_active = ?", true)
}

// Get returns one record or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id int64) (*account.Record, error) {
	query := s.rebind("SELECT " + recordColumns + " FROM kiro_accounts WHERE id = ?")
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// Insert stores a new record and returns it with its assigned id.
func (s *SQLStore) Insert(ctx context.Context, rec *account.Record) (*account.Record, error) {
	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Region == "" {
		stored.Region = account.DefaultRegion
	}
	extra := ""
	if len(stored.ExtraData) > 0 {
		data, err := json.Marshal(stored.ExtraData)
		if err != nil {
			return nil, fmt.Errorf("encode extra_data: %w", err)
		}
		extra = string(data)
	}
	query := `INSERT INTO kiro_accounts
	(name, auth_method, provider, access_token, refresh_token, profile_arn,
	 region, expires_at, created_at, is_active, request_count, extra_data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{stored.Name, stored.AuthMethod, stored.Provider,
		stored.AccessToken, stored.RefreshToken, stored.ProfileArn,
		stored.Region, storedTime(stored.ExpiresAt), storedTime(stored.CreatedAt),
		stored.IsActive, stored.RequestCount, extra}
	if s.postgres {
		err := s.db.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&stored.ID)
		if err != nil {
			return nil, fmt.Errorf("insert account: %w", err)
		}
		return stored, nil
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	stored.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert account id: %w", err)
	}
	return stored, nil
}

// Update applies a partial update.
func (s *SQLStore) Update(ctx context.Context, id int64, patch Patch) error {
	var sets []string
	var args []any
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *patch.IsActive)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, storedTime(time.Now()), id)
	query := "UPDATE kiro_accounts SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	return s.execOne(ctx, query, args...)
}

// UpdateTokens writes the outcome of a refresh. Empty refresh token or
// profile ARN keep the stored values; expires_at is only moved forward.
func (s *SQLStore) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken, profileArn string, expiresAt time.Time) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if refreshToken == "" {
		refreshToken = rec.RefreshToken
	}
	if profileArn == "" {
		profileArn = rec.ProfileArn
	}
	if !expiresAt.After(rec.ExpiresAt) {
		expiresAt = rec.ExpiresAt
	}
	query := `UPDATE kiro_accounts SET access_token = ?, refresh_token = ?,
	profile_arn = ?, expires_at = ?, updated_at = ? WHERE id = ?`
	return s.execOne(ctx, query, accessToken, refreshToken, profileArn,
		storedTime(expiresAt), storedTime(time.Now()), id)
}

// TouchUsage bumps the usage counters.
func (s *SQLStore) TouchUsage(ctx context.Context, id int64) error {
	query := `UPDATE kiro_accounts SET request_count = request_count + 1,
	last_used_at = ? WHERE id = ?`
	return s.execOne(ctx, query, storedTime(time.Now()), id)
}

// Delete removes a record.
func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	return s.execOne(ctx, "DELETE FROM kiro_accounts WHERE id = ?", id)
}

func (s *SQLStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TotalRequestCount sums request_count across all records.
func (s *SQLStore) TotalRequestCount(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT SUM(request_count) FROM kiro_accounts").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum request counts: %w", err)
	}
	return total.Int64, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.db.Close() }
