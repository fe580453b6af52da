package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/relay/internal/domain"
)

func TestHTTPVerifierResolvesUserID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"user-42"}`))
	}))
	defer server.Close()

	userID, err := NewHTTPVerifier(server.URL).Verify(context.Background(), "token-123")
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestHTTPVerifierRejectsBadCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewHTTPVerifier(server.URL).Verify(context.Background(), "bad-token")
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestHTTPVerifierOutageIsNotAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPVerifier(server.URL).Verify(context.Background(), "token-123")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAuthentication)
}

func TestHTTPVerifierRejectsEmptyUserID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := NewHTTPVerifier(server.URL).Verify(context.Background(), "token-123")
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestInsecureVerifier(t *testing.T) {
	userID, err := InsecureVerifier{}.Verify(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	_, err = InsecureVerifier{}.Verify(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}
