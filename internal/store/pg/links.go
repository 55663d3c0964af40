package pg

import (
	"context"
	"database/sql"
	"errors"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

const linkColumns = `id, principal_id, provider, subject, email_verified, sealed_refresh_token, created_at, updated_at`

func scanLink(row interface{ Scan(...any) error }) (auth.ProviderLink, error) {
	var l auth.ProviderLink
	err := row.Scan(&l.ID, &l.PrincipalID, &l.Provider, &l.Subject, &l.EmailVerified, &l.SealedRefreshToken, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ProviderLink{}, auth.ErrNotFound
	}
	return l, err
}

func (s *Store) FindLink(ctx context.Context, provider, subject string) (auth.ProviderLink, error) {
	if s.db == nil {
		return auth.ProviderLink{}, errNoDB
	}
	return scanLink(s.db.QueryRowContext(ctx, `
		select `+linkColumns+`
		from provider_links
		where provider = $1 and subject = $2
	`, provider, subject))
}

func (s *Store) FindLinkByPrincipal(ctx context.Context, principalID int64, provider string) (auth.ProviderLink, error) {
	if s.db == nil {
		return auth.ProviderLink{}, errNoDB
	}
	return scanLink(s.db.QueryRowContext(ctx, `
		select `+linkColumns+`
		from provider_links
		where principal_id = $1 and provider = $2
	`, principalID, provider))
}

func (s *Store) CreateLink(ctx context.Context, l auth.ProviderLink) (auth.ProviderLink, error) {
	if s.db == nil {
		return auth.ProviderLink{}, errNoDB
	}
	created, err := scanLink(s.db.QueryRowContext(ctx, `
		insert into provider_links (id, principal_id, provider, subject, email_verified, sealed_refresh_token)
		values ($1, $2, $3, $4, $5, $6)
		returning `+linkColumns,
		ids.New(), l.PrincipalID, l.Provider, l.Subject, l.EmailVerified, l.SealedRefreshToken,
	))
	if err != nil {
		return auth.ProviderLink{}, mapWriteError(err)
	}
	return created, nil
}

func (s *Store) UpdateLinkToken(ctx context.Context, principalID int64, provider string, sealed []byte) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update provider_links
		set sealed_refresh_token = $3, updated_at = now()
		where principal_id = $1 and provider = $2
	`, principalID, provider, sealed)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
