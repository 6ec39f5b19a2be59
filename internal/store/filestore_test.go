package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/router-for-me/KiroGateway/internal/account"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.json")

	s, err := OpenFile(path)
	require.NoError(t, err)

	a, err := s.Insert(ctx, &account.Record{Name: "a", AuthMethod: account.AuthMethodSocial, RefreshToken: "rt-a", IsActive: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), a.ID)
	require.Equal(t, account.DefaultRegion, a.Region)
	require.False(t, a.CreatedAt.IsZero())

	b, err := s.Insert(ctx, &account.Record{Name: "b", AuthMethod: account.AuthMethodIdC, IsActive: false})
	require.NoError(t, err)
	require.Equal(t, int64(2), b.ID)

	// Reopen from disk: same contents, id sequence continues.
	reopened, err := OpenFile(path)
	require.NoError(t, err)
	all, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].Name)
	require.Equal(t, "b", all[1].Name)

	c, err := reopened.Insert(ctx, &account.Record{Name: "c", IsActive: true})
	require.NoError(t, err)
	require.Equal(t, int64(3), c.ID)
}

func TestFileStoreIDsNotReusedAfterDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.json")
	s, err := OpenFile(path)
	require.NoError(t, err)

	a, _ := s.Insert(ctx, &account.Record{Name: "a", IsActive: true})
	require.NoError(t, s.Delete(ctx, a.ID))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	b, err := reopened.Insert(ctx, &account.Record{Name: "b", IsActive: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), b.ID, "next_id survives deletion of the last record")
}

func TestFileStoreListActive(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFile(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)

	s.Insert(ctx, &account.Record{Name: "on", IsActive: true})
	s.Insert(ctx, &account.Record{Name: "off", IsActive: false})

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "on", active[0].Name)
}

func TestFileStoreUpdateTokensSemantics(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFile(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)

	far := time.Now().UTC().Add(3 * time.Hour).Truncate(time.Second)
	rec, err := s.Insert(ctx, &account.Record{
		Name: "a", RefreshToken: "rt-old", ProfileArn: "arn-old", ExpiresAt: far, IsActive: true,
	})
	require.NoError(t, err)

	// Empty refresh token and profile ARN keep the stored values; an
	// earlier expiry does not move the stored one backwards.
	near := time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.UpdateTokens(ctx, rec.ID, "at-new", "", "", near))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "at-new", got.AccessToken)
	require.Equal(t, "rt-old", got.RefreshToken)
	require.Equal(t, "arn-old", got.ProfileArn)
	require.Equal(t, far, got.ExpiresAt)

	// Non-empty values and a later expiry replace them.
	later := far.Add(time.Hour)
	require.NoError(t, s.UpdateTokens(ctx, rec.ID, "at-2", "rt-new", "arn-new", later))
	got, err = s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "rt-new", got.RefreshToken)
	require.Equal(t, "arn-new", got.ProfileArn)
	require.Equal(t, later, got.ExpiresAt)
}

func TestFileStorePatchAndTouch(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFile(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)

	rec, _ := s.Insert(ctx, &account.Record{Name: "old", IsActive: true})

	name := "new"
	inactive := false
	require.NoError(t, s.Update(ctx, rec.ID, Patch{Name: &name, IsActive: &inactive}))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "new", got.Name)
	require.False(t, got.IsActive)

	require.NoError(t, s.TouchUsage(ctx, rec.ID))
	require.NoError(t, s.TouchUsage(ctx, rec.ID))
	got, _ = s.Get(ctx, rec.ID)
	require.Equal(t, int64(2), got.RequestCount)
	require.False(t, got.LastUsedAt.IsZero())

	total, err := s.TotalRequestCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
}

func TestFileStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFile(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)

	_, err = s.Get(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, 99), ErrNotFound)
	require.ErrorIs(t, s.TouchUsage(ctx, 99), ErrNotFound)
	require.ErrorIs(t, s.UpdateTokens(ctx, 99, "a", "", "", time.Now()), ErrNotFound)
}

func TestOpenFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := OpenFile(path)
	require.Error(t, err)
}
