package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/account"
)

// fileDocument is the on-disk layout of the JSON backend.
type fileDocument struct {
	NextID   int64             `json:"next_id"`
	Accounts []*account.Record `json:"accounts"`
}

// FileStore keeps accounts in memory and mirrors every mutation to a JSON
// file. The in-memory state is authoritative: a failed write is logged and
// the mutation still succeeds.
type FileStore struct {
	mu      sync.Mutex
	path    string
	nextID  int64
	records map[int64]*account.Record
}

// OpenFile loads the store from path. A missing file starts empty; an
// unreadable or malformed file is an error.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		nextID:  1,
		records: make(map[int64]*account.Record),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	for _, rec := range doc.Accounts {
		s.records[rec.ID] = rec
		if rec.ID >= s.nextID {
			s.nextID = rec.ID + 1
		}
	}
	if doc.NextID > s.nextID {
		s.nextID = doc.NextID
	}
	return s, nil
}

// persist rewrites the whole document. Caller holds s.mu.
func (s *FileStore) persist() {
	doc := fileDocument{NextID: s.nextID, Accounts: s.sortedLocked()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.WithError(err).Error("marshal accounts file")
		return
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.WithError(err).Errorf("create accounts dir %s", dir)
			return
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		log.WithError(err).Errorf("write accounts file %s", s.path)
	}
}

func (s *FileStore) sortedLocked() []*account.Record {
	out := make([]*account.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns copies of every record, ordered by id.
func (s *FileStore) List(ctx context.Context) ([]*account.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.sortedLocked()
	out := make([]*account.Record, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out, nil
}

// ListActive returns copies of the active records, ordered by id.
func (s *FileStore) ListActive(ctx context.Context) ([]*account.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*account.Record
	for _, rec := range s.sortedLocked() {
		if rec.IsActive {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Get returns a copy of one record.
func (s *FileStore) Get(ctx context.Context, id int64) (*account.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Insert assigns the next id and stores the record.
func (s *FileStore) Insert(ctx context.Context, rec *account.Record) (*account.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := rec.Clone()
	stored.ID = s.nextID
	s.nextID++
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Region == "" {
		stored.Region = account.DefaultRegion
	}
	s.records[stored.ID] = stored
	s.persist()
	return stored.Clone(), nil
}

// Update applies a partial update.
func (s *FileStore) Update(ctx context.Context, id int64, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Name != nil {
		rec.Name = *patch.Name
	}
	if patch.IsActive != nil {
		rec.IsActive = *patch.IsActive
	}
	rec.UpdatedAt = time.Now().UTC()
	s.persist()
	return nil
}

// UpdateTokens writes the outcome of a refresh. The stored refresh token and
// profile ARN survive when the upstream response omitted them, and expiry is
// only allowed to advance.
func (s *FileStore) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken, profileArn string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.AccessToken = accessToken
	if refreshToken != "" {
		rec.RefreshToken = refreshToken
	}
	if profileArn != "" {
		rec.ProfileArn = profileArn
	}
	if expiresAt.After(rec.ExpiresAt) {
		rec.ExpiresAt = expiresAt.UTC()
	}
	rec.UpdatedAt = time.Now().UTC()
	s.persist()
	return nil
}

// TouchUsage bumps the usage counters.
func (s *FileStore) TouchUsage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.RequestCount++
	rec.LastUsedAt = time.Now().UTC()
	s.persist()
	return nil
}

// Delete removes a record.
func (s *FileStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	s.persist()
	return nil
}

// TotalRequestCount sums request_count across all records.
func (s *FileStore) TotalRequestCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, rec := range s.records {
		total += rec.RequestCount
	}
	return total, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }
