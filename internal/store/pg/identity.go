package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

const principalColumns = `id, email, handle, password_hash, active, superuser, created_at, updated_at`

func scanPrincipal(row interface{ Scan(...any) error }) (auth.Principal, error) {
	var (
		p      auth.Principal
		handle sql.NullString
		hash   sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Email, &handle, &hash, &p.Active, &p.Superuser, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Principal{}, auth.ErrNotFound
		}
		return auth.Principal{}, err
	}
	p.Handle = handle.String
	p.PasswordHash = hash.String
	return p, nil
}

func (s *Store) principalWhere(ctx context.Context, where string, arg any) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where `+where, arg)
	p, err := scanPrincipal(row)
	if err != nil {
		return auth.Principal{}, err
	}
	return s.withRoleNames(ctx, p)
}

func (s *Store) withRoleNames(ctx context.Context, p auth.Principal) (auth.Principal, error) {
	roles, err := s.ListRoles(ctx, p.ID)
	if err != nil {
		return auth.Principal{}, err
	}
	p.Roles = make([]string, 0, len(roles))
	for _, r := range roles {
		p.Roles = append(p.Roles, r.Name)
	}
	return p, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (auth.Principal, error) {
	return s.principalWhere(ctx, `id = $1`, id)
}

func (s *Store) FindByIdentifier(ctx context.Context, value string) (auth.Principal, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if strings.Contains(value, "@") {
		return s.principalWhere(ctx, `email = $1`, value)
	}
	return s.principalWhere(ctx, `handle = $1`, value)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (auth.Principal, error) {
	return s.principalWhere(ctx, `email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) Create(ctx context.Context, f auth.PrincipalFields) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	email := strings.ToLower(strings.TrimSpace(f.Email))
	if email == "" {
		return auth.Principal{}, fmt.Errorf("%w: email is required", auth.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `
		insert into principals (id, email, handle, password_hash, active, superuser)
		values ($1, $2, $3, $4, $5, $6)
		returning `+principalColumns,
		ids.NextPrincipalID(), email, nullIfEmpty(strings.ToLower(f.Handle)), nullIfEmpty(f.PasswordHash), f.Active, f.Superuser,
	)
	p, err := scanPrincipal(row)
	if err != nil {
		return auth.Principal{}, mapWriteError(err)
	}
	p.Roles = []string{}
	return p, nil
}

func (s *Store) Update(ctx context.Context, id int64, upd auth.PrincipalUpdate) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.PasswordHash != nil {
		setClauses = append(setClauses, fmt.Sprintf("password_hash = $%d", idx))
		args = append(args, nullIfEmpty(*upd.PasswordHash))
		idx++
	}
	if upd.Active != nil {
		setClauses = append(setClauses, fmt.Sprintf("active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	if upd.Superuser != nil {
		setClauses = append(setClauses, fmt.Sprintf("superuser = $%d", idx))
		args = append(args, *upd.Superuser)
		idx++
	}
	if len(setClauses) == 0 {
		return s.FindByID(ctx, id)
	}
	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf(`update principals set %s where id = $%d returning %s`,
		strings.Join(setClauses, ", "), idx, principalColumns)

	p, err := scanPrincipal(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return auth.Principal{}, err
	}
	return s.withRoleNames(ctx, p)
}

func (s *Store) ListRoles(ctx context.Context, principalID int64) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumnsQualified+`
		from role_assignments ra
		join roles r on r.id = ra.role_id
		where ra.principal_id = $1
		order by r.name
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}
