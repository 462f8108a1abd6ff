package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/go-collab/internal/auth"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestCredential(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		cred     auth.Credential
		expected bool
	}{
		{
			name:     "no credential",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "credential set",
			ctx:      WithCredential(context.Background(), auth.Credential{RoomId: "r1", UserId: "u1", Role: types.RoleMember}),
			cred:     auth.Credential{RoomId: "r1", UserId: "u1", Role: types.RoleMember},
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cred, ok := Credential(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected Credential to return %v", tc.expected)
			assert.Equal(t, tc.cred, cred)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tcases := []struct {
		name     string
		url      string
		header   string
		expected string
	}{
		{name: "query parameter", url: "/ws?token=abc", expected: "abc"},
		{name: "bearer header", url: "/ws", header: "Bearer def", expected: "def"},
		{name: "query wins", url: "/ws?token=abc", header: "Bearer def", expected: "abc"},
		{name: "other scheme", url: "/ws", header: "Basic xyz", expected: ""},
		{name: "none", url: "/ws", expected: ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			assert.Equal(t, tc.expected, tokenFromRequest(req))
		})
	}
}
