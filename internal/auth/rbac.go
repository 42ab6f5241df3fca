// Package auth guards the operator endpoints (credentials and settings)
// with HTTP basic auth against bcrypt-hashed users. Completion and thread
// routes are never guarded; callers there authenticate upstream with their
// own provider keys.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

type Permission string

const (
	PermissionCredentialsRead  Permission = "credentials:read"
	PermissionCredentialsWrite Permission = "credentials:write"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin:  {PermissionCredentialsRead, PermissionCredentialsWrite},
	RoleViewer: {PermissionCredentialsRead},
}

func HasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

type User struct {
	Username     string
	PasswordHash string
	Role         Role
}

// ParseUsers reads "name:role:bcrypt-hash" entries separated by commas.
// bcrypt hashes never contain either separator.
func ParseUsers(spec string) ([]User, error) {
	var users []User
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid user entry %q, want name:role:hash", parts[0])
		}
		role := Role(strings.ToLower(parts[1]))
		if _, ok := rolePermissions[role]; !ok {
			return nil, fmt.Errorf("user %q has unknown role %q", parts[0], parts[1])
		}
		if _, err := bcrypt.Cost([]byte(parts[2])); err != nil {
			return nil, fmt.Errorf("user %q: invalid bcrypt hash: %w", parts[0], err)
		}
		users = append(users, User{Username: parts[0], Role: role, PasswordHash: parts[2]})
	}
	return users, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Unknown users are checked against this hash so that a miss costs as much
// as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("chat-gateway"), bcrypt.DefaultCost)

type Authenticator struct {
	users map[string]User
}

func NewAuthenticator(users []User) *Authenticator {
	a := &Authenticator{users: make(map[string]User, len(users))}
	for _, u := range users {
		a.users[u.Username] = u
	}
	return a
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, ok := a.users[username]
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrUserNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}

	return &user, nil
}

type contextKey string

const userContextKey contextKey = "operator"

func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok
}

type RBACMiddleware struct {
	auth *Authenticator
}

func NewRBACMiddleware(auth *Authenticator) *RBACMiddleware {
	return &RBACMiddleware{auth: auth}
}

// Require authenticates the caller and checks permission before next runs.
func (m *RBACMiddleware) Require(permission Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="chat-gateway"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := m.auth.Authenticate(r.Context(), username, password)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="chat-gateway"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !HasPermission(user.Role, permission) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next(w, r.WithContext(WithUser(r.Context(), user)))
	}
}
