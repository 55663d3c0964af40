package pg

import (
	"context"
	"database/sql"
	"errors"

	"qazna.org/authcore/internal/auth"
)

func (s *Store) CreateRefresh(ctx context.Context, rec auth.RefreshRecord) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (fingerprint, principal_id, provider, expires_at, revoked, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, rec.Fingerprint, rec.PrincipalID, rec.Provider, rec.ExpiresAt, rec.Revoked, rec.CreatedAt)
	return mapWriteError(err)
}

func (s *Store) FindRefresh(ctx context.Context, fingerprint string) (auth.RefreshRecord, error) {
	if s.db == nil {
		return auth.RefreshRecord{}, errNoDB
	}
	var rec auth.RefreshRecord
	err := s.db.QueryRowContext(ctx, `
		select fingerprint, principal_id, provider, expires_at, revoked, created_at
		from refresh_tokens
		where fingerprint = $1
	`, fingerprint).Scan(&rec.Fingerprint, &rec.PrincipalID, &rec.Provider, &rec.ExpiresAt, &rec.Revoked, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshRecord{}, auth.ErrNotFound
	}
	return rec, err
}

// RevokeRefresh relies on the revoked = false predicate: of two concurrent
// updates only one sees an affected row.
func (s *Store) RevokeRefresh(ctx context.Context, fingerprint string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true
		where fingerprint = $1 and revoked = false
	`, fingerprint)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}

// RotateRefresh retires the old record and inserts its successor in one
// transaction; a failed insert leaves the old record usable.
func (s *Store) RotateRefresh(ctx context.Context, oldFingerprint string, next auth.RefreshRecord) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked = true
		where fingerprint = $1 and revoked = false
	`, oldFingerprint)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff != 1 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (fingerprint, principal_id, provider, expires_at, revoked, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, next.Fingerprint, next.PrincipalID, next.Provider, next.ExpiresAt, next.Revoked, next.CreatedAt); err != nil {
		return false, mapWriteError(err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) RevokeAllRefresh(ctx context.Context, principalID int64, provider string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true
		where principal_id = $1 and revoked = false
		  and ($2::text is null or provider = $2)
	`, principalID, nullIfEmpty(provider))
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}
