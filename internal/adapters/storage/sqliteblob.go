package storage

import (
	"context"

	"evidence-orchestrator/internal/adapters/store/sqlite"
)

// SQLiteBlobs 把载荷存进 evidence_blobs 表，path 即 blob key。
type SQLiteBlobs struct {
	store *sqlite.Store
}

func NewSQLiteBlobs(store *sqlite.Store) *SQLiteBlobs {
	return &SQLiteBlobs{store: store}
}

func (s *SQLiteBlobs) Name() string { return "sqlite" }

func (s *SQLiteBlobs) Put(ctx context.Context, key string, data []byte) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := s.store.PutBlob(ctx, k, data); err != nil {
		return "", err
	}
	return k, nil
}

func (s *SQLiteBlobs) Get(ctx context.Context, p string) ([]byte, error) {
	return s.store.GetBlob(ctx, p)
}

func (s *SQLiteBlobs) Protect(ctx context.Context, p string) error {
	return s.store.ProtectBlob(ctx, p)
}

func (s *SQLiteBlobs) Delete(ctx context.Context, p string) error {
	return s.store.DeleteBlob(ctx, p)
}
