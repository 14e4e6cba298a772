package repo

import (
	"context"
	"database/sql"

	"evalflow/internal/domain"
)

// ClaimLease takes the lease when it is free, expired, or already held by the
// same owner. Timestamps must use a fixed-width layout so they compare as text.
func (r Repo) ClaimLease(ctx context.Context, lease domain.Lease, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO leases(key,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE leases.expires_at<=? OR leases.owner_id=excluded.owner_id`, lease.Key, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseLease deletes the lease only if ownerID still holds it.
func (r Repo) ReleaseLease(ctx context.Context, key, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM leases WHERE key=? AND owner_id=?`, key, ownerID)
	return err
}

func (r Repo) GetLease(ctx context.Context, key string) (domain.Lease, error) {
	var l domain.Lease
	err := r.DB.QueryRowContext(ctx, `SELECT key,owner_id,acquired_at,expires_at FROM leases WHERE key=?`, key).
		Scan(&l.Key, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// PurgeExpiredLeases drops leases that expired before now.
func (r Repo) PurgeExpiredLeases(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM leases WHERE expires_at<=?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
