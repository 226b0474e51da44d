// Package auth guards the control API with static bearer tokens.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Role is what an authenticated caller may do.
type Role string

const (
	RoleAdmin  Role = "admin"  // every endpoint
	RoleViewer Role = "viewer" // read-only endpoints
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Config is the [api.auth] section. Auth is enabled when any token is set.
type Config struct {
	Token     string `mapstructure:"token"`
	ReadToken string `mapstructure:"read_token"`
}

// Enabled reports whether requests must authenticate.
func (c Config) Enabled() bool { return c.Token != "" || c.ReadToken != "" }

// Result is the outcome of one authentication.
type Result struct {
	Success bool `json:"success"`
	Role    Role `json:"role,omitempty"`
}

// CanWrite reports whether the caller may change supervisor state.
func (r Result) CanWrite() bool { return r.Success && r.Role == RoleAdmin }

// Authenticate checks the Authorization header against the configured tokens.
func (c Config) Authenticate(r *http.Request) (Result, error) {
	token, ok := bearer(r.Header.Get("Authorization"))
	if !ok {
		return Result{}, ErrInvalidCredentials
	}
	switch {
	case c.Token != "" && equal(token, c.Token):
		return Result{Success: true, Role: RoleAdmin}, nil
	case c.ReadToken != "" && equal(token, c.ReadToken):
		return Result{Success: true, Role: RoleViewer}, nil
	}
	return Result{}, ErrInvalidCredentials
}

func bearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	t := strings.TrimSpace(parts[1])
	return t, t != ""
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
