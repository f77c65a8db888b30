package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rpggio/storyloom/internal/provider"
)

// BlobRepository implements provider.BlobStore for SQLite, giving emulated
// caches and uploads the same lifetime as the session state.
type BlobRepository struct {
	db *DB
}

// NewBlobRepository creates a new BlobRepository
func NewBlobRepository(db *DB) *BlobRepository {
	return &BlobRepository{db: db}
}

var _ provider.BlobStore = (*BlobRepository)(nil)

// PutBlob inserts or replaces a blob
func (r *BlobRepository) PutBlob(ctx context.Context, blob provider.Blob) error {
	var expiresAt any
	if !blob.ExpiresAt.IsZero() {
		expiresAt = blob.ExpiresAt.UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_blobs (name, kind, payload, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, blob.Name, blob.Kind, blob.Payload, expiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}
	return nil
}

// GetBlob retrieves a blob by name
func (r *BlobRepository) GetBlob(ctx context.Context, name string) (provider.Blob, error) {
	b := provider.Blob{Name: name}
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT kind, payload, expires_at FROM provider_blobs WHERE name = ?`, name).
		Scan(&b.Kind, &b.Payload, &expiresAt)
	if err == sql.ErrNoRows {
		return provider.Blob{}, fmt.Errorf("blob %s: %w", name, provider.ErrNotFound)
	}
	if err != nil {
		return provider.Blob{}, fmt.Errorf("failed to get blob: %w", err)
	}
	if expiresAt.Valid {
		b.ExpiresAt = expiresAt.Time
	}
	return b, nil
}

// DeleteBlob removes a blob by name
func (r *BlobRepository) DeleteBlob(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM provider_blobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("blob %s: %w", name, provider.ErrNotFound)
	}
	return nil
}

// PurgeExpiredBlobs removes blobs whose expiry has passed.
func (r *BlobRepository) PurgeExpiredBlobs(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM provider_blobs WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge blobs: %w", err)
	}
	return result.RowsAffected()
}
