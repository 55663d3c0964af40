package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

const (
	roleColumns          = `id, name, description, permissions, system, created_at, updated_at`
	roleColumnsQualified = `r.id, r.name, r.description, r.permissions, r.system, r.created_at, r.updated_at`
)

func scanRole(row interface{ Scan(...any) error }) (auth.Role, error) {
	var (
		r     auth.Role
		perms []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &perms, &r.System, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Role{}, auth.ErrNotFound
		}
		return auth.Role{}, err
	}
	r.Permissions = []string{}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &r.Permissions); err != nil {
			return auth.Role{}, err
		}
	}
	return r, nil
}

func scanRoles(rows *sql.Rows) ([]auth.Role, error) {
	out := []auth.Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodePermissions(perms []string) ([]byte, error) {
	if perms == nil {
		perms = []string{}
	}
	return json.Marshal(perms)
}

func (s *Store) CreateRole(ctx context.Context, role auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	perms, err := encodePermissions(role.Permissions)
	if err != nil {
		return auth.Role{}, err
	}
	created, err := scanRole(s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, permissions, system)
		values ($1, $2, $3, $4, $5)
		returning `+roleColumns,
		ids.New(), strings.ToLower(strings.TrimSpace(role.Name)), role.Description, perms, role.System,
	))
	if err != nil {
		return auth.Role{}, mapWriteError(err)
	}
	return created, nil
}

func (s *Store) RoleByName(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`,
		strings.ToLower(strings.TrimSpace(name))))
}

func (s *Store) AllRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

func (s *Store) RenameRole(ctx context.Context, roleID, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		update roles set name = $2, updated_at = now()
		where id = $1
		returning `+roleColumns, roleID, strings.ToLower(strings.TrimSpace(name))))
	if err != nil {
		return auth.Role{}, mapWriteError(err)
	}
	return r, nil
}

func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, roleID)
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

func (s *Store) GrantPermissions(ctx context.Context, roleID string, perms []string) (auth.Role, error) {
	return s.updatePermissions(ctx, roleID, func(current []string) []string {
		for _, p := range perms {
			if !slices.Contains(current, p) {
				current = append(current, p)
			}
		}
		return current
	})
}

func (s *Store) RevokePermissions(ctx context.Context, roleID string, perms []string) (auth.Role, error) {
	return s.updatePermissions(ctx, roleID, func(current []string) []string {
		return slices.DeleteFunc(current, func(p string) bool { return slices.Contains(perms, p) })
	})
}

// updatePermissions rewrites the permission list under a row lock so that
// concurrent grants do not drop each other's slugs.
func (s *Store) updatePermissions(ctx context.Context, roleID string, apply func([]string) []string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRole(tx.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1 for update`, roleID))
	if err != nil {
		return auth.Role{}, err
	}
	perms, err := encodePermissions(apply(current.Permissions))
	if err != nil {
		return auth.Role{}, err
	}
	updated, err := scanRole(tx.QueryRowContext(ctx, `
		update roles set permissions = $2, updated_at = now()
		where id = $1
		returning `+roleColumns, roleID, perms))
	if err != nil {
		return auth.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	return updated, nil
}

func (s *Store) AssignRole(ctx context.Context, principalID int64, roleID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		insert into role_assignments (principal_id, role_id)
		values ($1, $2)
		on conflict do nothing
	`, principalID, roleID)
	if err != nil {
		return false, mapWriteError(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *Store) UnassignRole(ctx context.Context, principalID int64, roleID string, keepOne bool) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// The role row lock serialises concurrent removals of the same role.
	var locked string
	if err := tx.QueryRowContext(ctx, `select id from roles where id = $1 for update`, roleID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, auth.ErrNotFound
		}
		return false, err
	}

	// Only active holders count; dropping an inactive one never strands the role.
	if keepOne {
		var holders int
		if err := tx.QueryRowContext(ctx, `
			select count(*) from role_assignments ra
			join principals p on p.id = ra.principal_id
			where ra.role_id = $1 and p.active
		`, roleID).Scan(&holders); err != nil {
			return false, err
		}
		var holds bool
		if err := tx.QueryRowContext(ctx, `
			select exists(
				select 1 from role_assignments ra
				join principals p on p.id = ra.principal_id
				where ra.role_id = $1 and ra.principal_id = $2 and p.active
			)
		`, roleID, principalID).Scan(&holds); err != nil {
			return false, err
		}
		if holds && holders <= 1 {
			return false, auth.ErrLastAdmin
		}
	}

	res, err := tx.ExecContext(ctx, `
		delete from role_assignments where principal_id = $1 and role_id = $2
	`, principalID, roleID)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *Store) Assignments(ctx context.Context, principalID int64) ([]auth.RoleAssignment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select principal_id, role_id, created_at
		from role_assignments
		where principal_id = $1
		order by created_at, role_id
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []auth.RoleAssignment{}
	for rows.Next() {
		var a auth.RoleAssignment
		if err := rows.Scan(&a.PrincipalID, &a.RoleID, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
