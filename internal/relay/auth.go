package relay

import (
	"errors"
	"net/http"
	"strings"
)

// Authorizer resolves the bearer identity of an HTTP caller. Account
// management and token issuance live outside the relay; this is the whole
// contract the relay consumes.
type Authorizer interface {
	UserIDFromRequest(r *http.Request) (string, error)
}

var errInvalidToken = errors.New("invalid or missing bearer token")

// StaticTokenAuthorizer maps bearer tokens to user ids. Used by the relay
// binary for fixed deployments and by tests.
type StaticTokenAuthorizer map[string]string

// UserIDFromRequest implements Authorizer.
func (a StaticTokenAuthorizer) UserIDFromRequest(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", errInvalidToken
	}
	userID, ok := a[token]
	if !ok {
		return "", errInvalidToken
	}
	return userID, nil
}
