package auth

import (
	"context"
	"errors"
	"fmt"
)

const (
	PermRolesManage      = "auth.roles.manage"
	PermPrincipalsManage = "auth.principals.manage"
	PermTokensIntrospect = "auth.tokens.introspect"
	PermSelfRead         = "auth.self.read"
)

// BuiltinRoles are created by Bootstrap.
var BuiltinRoles = []Role{
	{
		Name:        RoleAdmin,
		Description: "Full administrative access",
		Permissions: []string{PermRolesManage, PermPrincipalsManage, PermTokensIntrospect, PermSelfRead},
		System:      true,
	},
	{
		Name:        RoleUser,
		Description: "Default role for every principal",
		Permissions: []string{PermSelfRead},
		System:      true,
	},
}

// AdminSeed describes the initial administrator. An empty e-mail skips it.
type AdminSeed struct {
	Email    string
	Password string
}

// Bootstrap makes sure the system roles exist with their built-in
// permissions, then creates the seed administrator when it is missing.
func Bootstrap(ctx context.Context, roles RoleStore, identities IdentityStore, hasher *PasswordHasher, seed AdminSeed) error {
	for _, r := range BuiltinRoles {
		role, err := roles.CreateRole(ctx, r)
		if errors.Is(err, ErrConflict) {
			role, err = roles.RoleByName(ctx, r.Name)
			if err == nil {
				_, err = roles.GrantPermissions(ctx, role.ID, r.Permissions)
			}
		}
		if err != nil {
			return fmt.Errorf("bootstrap role %s: %w", r.Name, err)
		}
	}

	email := NormalizeIdentifier(seed.Email)
	if email == "" {
		return nil
	}
	admin, err := identities.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		if hasher == nil {
			hasher = NewPasswordHasher(DefaultBcryptCost)
		}
		hash, err := hasher.Hash(seed.Password)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		admin, err = createWithHandle(ctx, identities, email, hash)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		superuser := true
		if admin, err = identities.Update(ctx, admin.ID, PrincipalUpdate{Superuser: &superuser}); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	case err != nil:
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	for _, name := range []string{RoleAdmin, RoleUser} {
		role, err := roles.RoleByName(ctx, name)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if _, err := roles.AssignRole(ctx, admin.ID, role.ID); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}
	return nil
}

// Bootstrap seeds roles and the administrator through the facade's stores.
func (f *Facade) Bootstrap(ctx context.Context, seed AdminSeed) error {
	return Bootstrap(ctx, f.roles, f.identities, f.hasher, seed)
}
