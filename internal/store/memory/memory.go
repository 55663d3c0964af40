// Package memory keeps every auth collection in process memory. It backs
// tests and single-node development setups.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/ids"
)

var (
	_ auth.IdentityStore = (*Store)(nil)
	_ auth.LinkStore     = (*Store)(nil)
	_ auth.RoleStore     = (*Store)(nil)
	_ auth.RefreshStore  = (*Store)(nil)
	_ auth.KV            = (*Store)(nil)
	_ auth.CounterStore  = (*Store)(nil)
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type assignmentKey struct {
	principalID int64
	roleID      string
}

// Store is safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	principals  map[int64]auth.Principal
	byEmail     map[string]int64
	byHandle    map[string]int64
	links       map[string]auth.ProviderLink
	roles       map[string]auth.Role
	roleByName  map[string]string
	assignments map[assignmentKey]auth.RoleAssignment
	refresh     map[string]auth.RefreshRecord
	kv          map[string]entry
	counters    map[string]counter
}

func New() *Store {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:         now,
		principals:  make(map[int64]auth.Principal),
		byEmail:     make(map[string]int64),
		byHandle:    make(map[string]int64),
		links:       make(map[string]auth.ProviderLink),
		roles:       make(map[string]auth.Role),
		roleByName:  make(map[string]string),
		assignments: make(map[assignmentKey]auth.RoleAssignment),
		refresh:     make(map[string]auth.RefreshRecord),
		kv:          make(map[string]entry),
		counters:    make(map[string]counter),
	}
}

// principals

func (s *Store) FindByID(_ context.Context, id int64) (auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principalLocked(id)
}

func (s *Store) FindByIdentifier(_ context.Context, value string) (auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value = strings.ToLower(strings.TrimSpace(value))
	if id, ok := s.byEmail[value]; ok {
		return s.principalLocked(id)
	}
	if id, ok := s.byHandle[value]; ok {
		return s.principalLocked(id)
	}
	return auth.Principal{}, auth.ErrNotFound
}

func (s *Store) FindByEmail(_ context.Context, email string) (auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return auth.Principal{}, auth.ErrNotFound
	}
	return s.principalLocked(id)
}

func (s *Store) Create(_ context.Context, f auth.PrincipalFields) (auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(f.Email))
	handle := strings.ToLower(strings.TrimSpace(f.Handle))
	if email == "" {
		return auth.Principal{}, auth.ErrInvalidInput
	}
	if _, taken := s.byEmail[email]; taken {
		return auth.Principal{}, auth.ErrConflict
	}
	if handle != "" {
		if _, taken := s.byHandle[handle]; taken {
			return auth.Principal{}, auth.ErrConflict
		}
	}
	now := s.now().UTC()
	p := auth.Principal{
		ID:           ids.NextPrincipalID(),
		Email:        email,
		Handle:       handle,
		PasswordHash: f.PasswordHash,
		Active:       f.Active,
		Superuser:    f.Superuser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.principals[p.ID] = p
	s.byEmail[email] = p.ID
	if handle != "" {
		s.byHandle[handle] = p.ID
	}
	return s.principalLocked(p.ID)
}

func (s *Store) Update(_ context.Context, id int64, upd auth.PrincipalUpdate) (auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return auth.Principal{}, auth.ErrNotFound
	}
	if upd.PasswordHash != nil {
		p.PasswordHash = *upd.PasswordHash
	}
	if upd.Active != nil {
		p.Active = *upd.Active
	}
	if upd.Superuser != nil {
		p.Superuser = *upd.Superuser
	}
	p.UpdatedAt = s.now().UTC()
	s.principals[id] = p
	return s.principalLocked(id)
}

func (s *Store) ListRoles(_ context.Context, principalID int64) ([]auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rolesOfLocked(principalID), nil
}

func (s *Store) principalLocked(id int64) (auth.Principal, error) {
	p, ok := s.principals[id]
	if !ok {
		return auth.Principal{}, auth.ErrNotFound
	}
	roles := s.rolesOfLocked(id)
	p.Roles = make([]string, 0, len(roles))
	for _, r := range roles {
		p.Roles = append(p.Roles, r.Name)
	}
	return p, nil
}

func (s *Store) rolesOfLocked(principalID int64) []auth.Role {
	var out []auth.Role
	for k := range s.assignments {
		if k.principalID != principalID {
			continue
		}
		if r, ok := s.roles[k.roleID]; ok {
			out = append(out, cloneRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// provider links

func linkKey(provider, subject string) string { return provider + "\x00" + subject }

func (s *Store) FindLink(_ context.Context, provider, subject string) (auth.ProviderLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkKey(provider, subject)]
	if !ok {
		return auth.ProviderLink{}, auth.ErrNotFound
	}
	return l, nil
}

func (s *Store) FindLinkByPrincipal(_ context.Context, principalID int64, provider string) (auth.ProviderLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.PrincipalID == principalID && l.Provider == provider {
			return l, nil
		}
	}
	return auth.ProviderLink{}, auth.ErrNotFound
}

func (s *Store) CreateLink(_ context.Context, l auth.ProviderLink) (auth.ProviderLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[l.PrincipalID]; !ok {
		return auth.ProviderLink{}, auth.ErrNotFound
	}
	if _, dup := s.links[linkKey(l.Provider, l.Subject)]; dup {
		return auth.ProviderLink{}, auth.ErrConflict
	}
	for _, existing := range s.links {
		if existing.PrincipalID == l.PrincipalID && existing.Provider == l.Provider {
			return auth.ProviderLink{}, auth.ErrConflict
		}
	}
	now := s.now().UTC()
	l.ID = ids.New()
	l.CreatedAt, l.UpdatedAt = now, now
	s.links[linkKey(l.Provider, l.Subject)] = l
	return l, nil
}

func (s *Store) UpdateLinkToken(_ context.Context, principalID int64, provider string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, l := range s.links {
		if l.PrincipalID == principalID && l.Provider == provider {
			l.SealedRefreshToken = bytes.Clone(sealed)
			l.UpdatedAt = s.now().UTC()
			s.links[k] = l
			return nil
		}
	}
	return auth.ErrNotFound
}

// roles

func cloneRole(r auth.Role) auth.Role {
	r.Permissions = slices.Clone(r.Permissions)
	if r.Permissions == nil {
		r.Permissions = []string{}
	}
	return r
}

func (s *Store) CreateRole(_ context.Context, r auth.Role) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.roleByName[r.Name]; dup {
		return auth.Role{}, auth.ErrConflict
	}
	now := s.now().UTC()
	r.ID = ids.New()
	r.CreatedAt, r.UpdatedAt = now, now
	r = cloneRole(r)
	s.roles[r.ID] = r
	s.roleByName[r.Name] = r.ID
	return cloneRole(r), nil
}

func (s *Store) RoleByName(_ context.Context, name string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.roleByName[name]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return cloneRole(s.roles[id]), nil
}

func (s *Store) AllRoles(_ context.Context) ([]auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) RenameRole(_ context.Context, roleID, name string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	if other, dup := s.roleByName[name]; dup && other != roleID {
		return auth.Role{}, auth.ErrConflict
	}
	delete(s.roleByName, r.Name)
	r.Name = name
	r.UpdatedAt = s.now().UTC()
	s.roles[roleID] = r
	s.roleByName[name] = roleID
	return cloneRole(r), nil
}

func (s *Store) DeleteRole(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	for k := range s.assignments {
		if k.roleID == roleID {
			delete(s.assignments, k)
		}
	}
	delete(s.roleByName, r.Name)
	delete(s.roles, roleID)
	return nil
}

func (s *Store) GrantPermissions(_ context.Context, roleID string, perms []string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	for _, p := range perms {
		if !slices.Contains(r.Permissions, p) {
			r.Permissions = append(r.Permissions, p)
		}
	}
	r.UpdatedAt = s.now().UTC()
	s.roles[roleID] = r
	return cloneRole(r), nil
}

func (s *Store) RevokePermissions(_ context.Context, roleID string, perms []string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	r.Permissions = slices.DeleteFunc(slices.Clone(r.Permissions), func(p string) bool {
		return slices.Contains(perms, p)
	})
	r.UpdatedAt = s.now().UTC()
	s.roles[roleID] = r
	return cloneRole(r), nil
}

func (s *Store) AssignRole(_ context.Context, principalID int64, roleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[principalID]; !ok {
		return false, auth.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return false, auth.ErrNotFound
	}
	k := assignmentKey{principalID, roleID}
	if _, exists := s.assignments[k]; exists {
		return false, nil
	}
	s.assignments[k] = auth.RoleAssignment{PrincipalID: principalID, RoleID: roleID, CreatedAt: s.now().UTC()}
	return true, nil
}

func (s *Store) UnassignRole(_ context.Context, principalID int64, roleID string, keepOne bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := assignmentKey{principalID, roleID}
	if _, exists := s.assignments[k]; !exists {
		return false, nil
	}
	// Only active holders count; dropping an inactive one never strands the role.
	if keepOne && s.principals[principalID].Active {
		holders := 0
		for other := range s.assignments {
			if other.roleID == roleID && s.principals[other.principalID].Active {
				holders++
			}
		}
		if holders <= 1 {
			return false, auth.ErrLastAdmin
		}
	}
	delete(s.assignments, k)
	return true, nil
}

func (s *Store) Assignments(_ context.Context, principalID int64) ([]auth.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.RoleAssignment
	for k, a := range s.assignments {
		if k.principalID == principalID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

// refresh records

func (s *Store) CreateRefresh(_ context.Context, rec auth.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.refresh[rec.Fingerprint]; dup {
		return auth.ErrConflict
	}
	s.refresh[rec.Fingerprint] = rec
	return nil
}

func (s *Store) FindRefresh(_ context.Context, fingerprint string) (auth.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[fingerprint]
	if !ok {
		return auth.RefreshRecord{}, auth.ErrNotFound
	}
	return rec, nil
}

func (s *Store) RevokeRefresh(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[fingerprint]
	if !ok || rec.Revoked {
		return false, nil
	}
	rec.Revoked = true
	s.refresh[fingerprint] = rec
	return true, nil
}

func (s *Store) RotateRefresh(_ context.Context, oldFingerprint string, next auth.RefreshRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[oldFingerprint]
	if !ok || rec.Revoked {
		return false, nil
	}
	if _, dup := s.refresh[next.Fingerprint]; dup {
		return false, auth.ErrConflict
	}
	rec.Revoked = true
	s.refresh[oldFingerprint] = rec
	s.refresh[next.Fingerprint] = next
	return true, nil
}

func (s *Store) RevokeAllRefresh(_ context.Context, principalID int64, provider string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for fp, rec := range s.refresh {
		if rec.PrincipalID != principalID || rec.Revoked {
			continue
		}
		if provider != "" && rec.Provider != provider {
			continue
		}
		rec.Revoked = true
		s.refresh[fp] = rec
		n++
	}
	return n, nil
}

// kv

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = s.entryLocked(value, ttl)
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok || e.expired(s.now()) {
		delete(s.kv, key)
		return nil, auth.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	delete(s.kv, key)
	return ok && !e.expired(s.now()), nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if ok && e.expired(s.now()) {
		ok = false
	}
	switch {
	case expected == nil && ok:
		return false, nil
	case expected != nil && (!ok || !bytes.Equal(e.value, expected)):
		return false, nil
	}
	s.kv[key] = s.entryLocked(value, ttl)
	return true, nil
}

func (s *Store) entryLocked(value []byte, ttl time.Duration) entry {
	e := entry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	return e
}

// counters

type counter struct {
	n         int64
	expiresAt time.Time
}

func (s *Store) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c, ok := s.counters[key]
	if !ok || (!c.expiresAt.IsZero() && !now.Before(c.expiresAt)) {
		c = counter{}
		if window > 0 {
			c.expiresAt = now.Add(window)
		}
	}
	c.n++
	s.counters[key] = c
	return c.n, nil
}

func (s *Store) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok || (!c.expiresAt.IsZero() && !s.now().Before(c.expiresAt)) {
		return 0, nil
	}
	return c.n, nil
}

func (s *Store) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}
