package services

import (
	"context"
	"crypto/subtle"
	"sort"
	"strings"
)

const (
	RoleAdmin       = "admin"
	RoleTeacher     = "teacher"
	RoleCoordinator = "coordinator"
	RoleCTO         = "cto"

	// AdminUserID is the actor id for requests authenticated only by the admin token.
	AdminUserID = "admin"
)

// Credentials are the raw values taken from a request.
type Credentials struct {
	BearerToken string
	AdminToken  string
}

// Identity is what role providers see: the verified subject plus its token claims.
type Identity struct {
	UserID        string
	Email         string
	ClaimRoles    []string
	AdminVerified bool
}

type Actor struct {
	UserID  string
	Email   string
	Roles   map[string]bool
	IsAdmin bool
}

func (a Actor) HasRole(role string) bool {
	return a.Roles[strings.ToLower(role)]
}

func (a Actor) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if a.HasRole(role) {
			return true
		}
	}
	return false
}

func (a Actor) RoleList() []string {
	out := make([]string, 0, len(a.Roles))
	for role := range a.Roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// RoleProvider contributes roles for a verified identity.
type RoleProvider interface {
	Name() string
	Roles(ctx context.Context, id Identity) ([]string, error)
}

type roleProviderFunc struct {
	name string
	fn   func(ctx context.Context, id Identity) ([]string, error)
}

func (p roleProviderFunc) Name() string { return p.name }

func (p roleProviderFunc) Roles(ctx context.Context, id Identity) ([]string, error) {
	return p.fn(ctx, id)
}

func ClaimRoleProvider() RoleProvider {
	return roleProviderFunc{name: "claims", fn: func(_ context.Context, id Identity) ([]string, error) {
		return id.ClaimRoles, nil
	}}
}

func StoredRoleProvider(store RoleStore) RoleProvider {
	return roleProviderFunc{name: "user_roles", fn: func(ctx context.Context, id Identity) ([]string, error) {
		return store.StoredRoles(ctx, id.UserID)
	}}
}

func CourseStaffRoleProvider(store RoleStore) RoleProvider {
	return roleProviderFunc{name: "course_staff", fn: func(ctx context.Context, id Identity) ([]string, error) {
		return store.CourseStaffRoles(ctx, id.UserID)
	}}
}

func OrgStaffRoleProvider(store RoleStore) RoleProvider {
	return roleProviderFunc{name: "org_staff", fn: func(ctx context.Context, id Identity) ([]string, error) {
		return store.OrgStaffRoles(ctx, id.UserID)
	}}
}

func AdminTokenRoleProvider() RoleProvider {
	return roleProviderFunc{name: "admin_token", fn: func(_ context.Context, id Identity) ([]string, error) {
		if id.AdminVerified {
			return []string{RoleAdmin}, nil
		}
		return nil, nil
	}}
}

// DefaultRoleProviders returns the provider chain in merge order.
func DefaultRoleProviders(store RoleStore) []RoleProvider {
	return []RoleProvider{
		ClaimRoleProvider(),
		StoredRoleProvider(store),
		CourseStaffRoleProvider(store),
		OrgStaffRoleProvider(store),
		AdminTokenRoleProvider(),
	}
}

// AdminTokenVerifier checks the shared admin token. Hash wins over Plain when set.
type AdminTokenVerifier struct {
	Plain string
	Hash  string
}

func (v AdminTokenVerifier) Configured() bool {
	return v.Plain != "" || v.Hash != ""
}

func (v AdminTokenVerifier) Verify(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if v.Hash != "" {
		return VerifySecret(token, v.Hash)
	}
	if v.Plain == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(v.Plain)) == 1
}

type IdentityResolver struct {
	Tokens     TokenService
	AdminToken AdminTokenVerifier
	Providers  []RoleProvider
}

func (r IdentityResolver) Resolve(ctx context.Context, creds Credentials) (Actor, error) {
	bearer := strings.TrimSpace(creds.BearerToken)
	adminToken := strings.TrimSpace(creds.AdminToken)
	if bearer == "" && adminToken == "" {
		return Actor{}, ErrUnauthorized("Missing credentials")
	}

	id := Identity{}
	if adminToken != "" {
		if !r.AdminToken.Verify(adminToken) {
			return Actor{}, ErrUnauthorized("Invalid admin token")
		}
		id.AdminVerified = true
		id.UserID = AdminUserID
	}
	if bearer != "" {
		claims, err := r.Tokens.ParseAccessToken(bearer)
		if err != nil {
			return Actor{}, ErrUnauthorized("Invalid token")
		}
		id.UserID = claims.UserID
		id.Email = claims.Email
		id.ClaimRoles = claims.Roles
	}

	roles := map[string]bool{}
	for _, provider := range r.Providers {
		if !id.AdminVerified && provider.Name() == "admin_token" {
			continue
		}
		if id.UserID == AdminUserID && bearer == "" && provider.Name() != "admin_token" {
			continue
		}
		items, err := provider.Roles(ctx, id)
		if err != nil {
			return Actor{}, WrapError(err, "role provider "+provider.Name())
		}
		for _, role := range items {
			role = strings.ToLower(strings.TrimSpace(role))
			if role != "" {
				roles[role] = true
			}
		}
	}
	return Actor{
		UserID:  id.UserID,
		Email:   id.Email,
		Roles:   roles,
		IsAdmin: roles[RoleAdmin],
	}, nil
}

// CanActFor reports whether actor may write progress on behalf of userID.
func CanActFor(actor Actor, userID string) bool {
	if actor.UserID != "" && actor.UserID == userID {
		return true
	}
	return actor.IsAdmin || actor.HasAnyRole(RoleTeacher, RoleCoordinator, RoleCTO)
}
