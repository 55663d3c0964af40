package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9_.:-]+$`)

// Guard resolves and enforces roles and permissions.
type Guard struct {
	roles      RoleStore
	identities IdentityStore
}

func NewGuard(roles RoleStore, identities IdentityStore) (*Guard, error) {
	if roles == nil || identities == nil {
		return nil, errors.New("auth: role and identity stores are required")
	}
	return &Guard{roles: roles, identities: identities}, nil
}

// RequireRoles passes when access holds every role. Superusers always pass.
func (g *Guard) RequireRoles(access Access, roles ...string) error {
	if access.Superuser {
		return nil
	}
	for _, r := range roles {
		if !access.HasRole(r) {
			return fmt.Errorf("%w: role %q required", ErrForbidden, r)
		}
	}
	return nil
}

// RequirePermissions passes when access holds every permission. Superusers always pass.
func (g *Guard) RequirePermissions(access Access, perms ...string) error {
	if access.Superuser {
		return nil
	}
	for _, p := range perms {
		if !access.HasPermission(p) {
			return fmt.Errorf("%w: permission %q required", ErrForbidden, p)
		}
	}
	return nil
}

// Require checks roles then permissions.
func (g *Guard) Require(access Access, req Requirement) error {
	if err := g.RequireRoles(access, req.Roles...); err != nil {
		return err
	}
	return g.RequirePermissions(access, req.Permissions...)
}

// EffectivePermissions is the sorted union of the permissions of every assigned role.
func (g *Guard) EffectivePermissions(ctx context.Context, principalID int64) ([]string, error) {
	access, err := g.Resolve(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return access.Permissions, nil
}

// Resolve loads a fresh access snapshot from the stores.
func (g *Guard) Resolve(ctx context.Context, principalID int64) (Access, error) {
	p, err := g.identities.FindByID(ctx, principalID)
	if err != nil {
		return Access{}, err
	}
	return resolveAccess(ctx, g.identities, p)
}

func resolveAccess(ctx context.Context, identities IdentityStore, p Principal) (Access, error) {
	roles, err := identities.ListRoles(ctx, p.ID)
	if err != nil {
		return Access{}, fmt.Errorf("auth: list roles: %w", err)
	}
	names := make([]string, 0, len(roles))
	seen := make(map[string]struct{})
	perms := make([]string, 0)
	for _, r := range roles {
		names = append(names, r.Name)
		for _, perm := range r.Permissions {
			if _, ok := seen[perm]; ok {
				continue
			}
			seen[perm] = struct{}{}
			perms = append(perms, perm)
		}
	}
	sort.Strings(names)
	sort.Strings(perms)
	return Access{
		PrincipalID: p.ID,
		Superuser:   p.Superuser,
		Roles:       names,
		Permissions: perms,
	}, nil
}

func (g *Guard) authorizeAdmin(actor Access) error {
	if actor.Superuser || actor.HasRole(RoleAdmin) {
		return nil
	}
	return fmt.Errorf("%w: admin role required", ErrForbidden)
}

// Roles lists every role.
func (g *Guard) Roles(ctx context.Context) ([]Role, error) {
	return g.roles.AllRoles(ctx)
}

// CreateRole creates a role, or grants perms to it when the name already exists.
func (g *Guard) CreateRole(ctx context.Context, actor Access, name, description string, perms []string) (Role, error) {
	if err := g.authorizeAdmin(actor); err != nil {
		return Role{}, err
	}
	name, err := normalizeSlug("role name", name)
	if err != nil {
		return Role{}, err
	}
	perms, err = normalizePermissions(perms)
	if err != nil {
		return Role{}, err
	}
	role, err := g.roles.CreateRole(ctx, Role{
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: perms,
		System:      isSystemRole(name),
	})
	if errors.Is(err, ErrConflict) {
		existing, err := g.roles.RoleByName(ctx, name)
		if err != nil {
			return Role{}, err
		}
		if len(perms) == 0 {
			return existing, nil
		}
		return g.roles.GrantPermissions(ctx, existing.ID, perms)
	}
	return role, err
}

// DeleteRole removes a role. Missing roles are ignored. System roles need
// force and a superuser actor.
func (g *Guard) DeleteRole(ctx context.Context, actor Access, name string, force bool) error {
	if err := g.authorizeAdmin(actor); err != nil {
		return err
	}
	role, err := g.roles.RoleByName(ctx, NormalizeIdentifier(name))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := checkProtected(actor, role, force); err != nil {
		return err
	}
	return g.roles.DeleteRole(ctx, role.ID)
}

func (g *Guard) RenameRole(ctx context.Context, actor Access, name, newName string, force bool) (Role, error) {
	if err := g.authorizeAdmin(actor); err != nil {
		return Role{}, err
	}
	newName, err := normalizeSlug("role name", newName)
	if err != nil {
		return Role{}, err
	}
	role, err := g.roles.RoleByName(ctx, NormalizeIdentifier(name))
	if err != nil {
		return Role{}, err
	}
	if role.Name == newName {
		return role, nil
	}
	if err := checkProtected(actor, role, force); err != nil {
		return Role{}, err
	}
	return g.roles.RenameRole(ctx, role.ID, newName)
}

func (g *Guard) GrantPermissions(ctx context.Context, actor Access, roleName string, perms ...string) (Role, error) {
	if err := g.authorizeAdmin(actor); err != nil {
		return Role{}, err
	}
	perms, err := normalizePermissions(perms)
	if err != nil {
		return Role{}, err
	}
	role, err := g.roles.RoleByName(ctx, NormalizeIdentifier(roleName))
	if err != nil {
		return Role{}, err
	}
	return g.roles.GrantPermissions(ctx, role.ID, perms)
}

func (g *Guard) RevokePermissions(ctx context.Context, actor Access, roleName string, perms ...string) (Role, error) {
	if err := g.authorizeAdmin(actor); err != nil {
		return Role{}, err
	}
	perms, err := normalizePermissions(perms)
	if err != nil {
		return Role{}, err
	}
	role, err := g.roles.RoleByName(ctx, NormalizeIdentifier(roleName))
	if err != nil {
		return Role{}, err
	}
	return g.roles.RevokePermissions(ctx, role.ID, perms)
}

// AssignRole is a no-op when the assignment exists.
func (g *Guard) AssignRole(ctx context.Context, actor Access, principalID int64, roleName string) error {
	if err := g.authorizeAdmin(actor); err != nil {
		return err
	}
	role, err := g.roles.RoleByName(ctx, NormalizeIdentifier(roleName))
	if err != nil {
		return err
	}
	if _, err := g.identities.FindByID(ctx, principalID); err != nil {
		return err
	}
	_, err = g.roles.AssignRole(ctx, principalID, role.ID)
	return err
}

// DetachRole is a no-op when the assignment is absent. The last admin
// assignment cannot be removed.
func (g *Guard) DetachRole(ctx context.Context, actor Access, principalID int64, roleName string) error {
	if err := g.authorizeAdmin(actor); err != nil {
		return err
	}
	role, err := g.roles.RoleByName(ctx, NormalizeIdentifier(roleName))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = g.roles.UnassignRole(ctx, principalID, role.ID, role.Name == RoleAdmin)
	return err
}

func checkProtected(actor Access, role Role, force bool) error {
	if !role.System && !isSystemRole(role.Name) {
		return nil
	}
	if !force {
		return fmt.Errorf("%w: %s requires force", ErrProtectedRole, role.Name)
	}
	if !actor.Superuser {
		return fmt.Errorf("%w: changing system role %s requires a superuser", ErrForbidden, role.Name)
	}
	return nil
}

func isSystemRole(name string) bool {
	return name == RoleAdmin || name == RoleUser
}

func normalizeSlug(field, v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	if !slugPattern.MatchString(v) {
		return "", fmt.Errorf("%w: %s %q must match %s", ErrInvalidInput, field, v, slugPattern)
	}
	return v, nil
}

// normalizePermissions validates slugs and drops duplicates, keeping order.
func normalizePermissions(perms []string) ([]string, error) {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		slug, err := normalizeSlug("permission", p)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, slug)
	}
	return out, nil
}
