package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/npezzotti/go-collab/internal/auth"
)

type credentialKey struct{}

func WithCredential(ctx context.Context, cred auth.Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

func Credential(ctx context.Context) (auth.Credential, bool) {
	cred, ok := ctx.Value(credentialKey{}).(auth.Credential)
	return cred, ok
}

// tokenFromRequest reads the credential from the token query parameter,
// which browsers can set on a websocket URL, or a bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}

	return ""
}
