package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.MapClaims{"iat": time.Now().Unix()}
	if subject != "" {
		claims["sub"] = subject
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func loginServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, time.Second)
}

func TestLoginDerivesIdentityFromSubject(t *testing.T) {
	token := signedToken(t, "0xdeadbeef")
	client := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/login", r.URL.Path)
		assert.Equal(t, "Bearer provider-credential", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"access_token": token})
	})

	creds, err := client.Login(context.Background(), "provider-credential")
	require.NoError(t, err)
	assert.Equal(t, token, creds.AccessToken)
	assert.Equal(t, "0xdeadbeef", creds.Identity)
}

func TestLoginWithOpaqueToken(t *testing.T) {
	client := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "not-a-jwt"})
	})

	creds, err := client.Login(context.Background(), "cred")
	require.NoError(t, err)
	assert.Equal(t, "not-a-jwt", creds.AccessToken)
	assert.Empty(t, creds.Identity, "opaque tokens carry no identity")
}

func TestLoginWithSubjectlessToken(t *testing.T) {
	token := signedToken(t, "")
	client := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": token})
	})

	creds, err := client.Login(context.Background(), "cred")
	require.NoError(t, err)
	assert.Empty(t, creds.Identity)
}

func TestLoginSurfacesAPIError(t *testing.T) {
	client := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"message":    "bad credential",
			"error":      "unauthorized",
			"statusCode": http.StatusUnauthorized,
		})
	})

	_, err := client.Login(context.Background(), "cred")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "bad credential", apiErr.Message)
	assert.Equal(t, "unauthorized", apiErr.ErrorKind)
	assert.Contains(t, apiErr.Error(), "bad credential")
}

func TestLoginWithUnparseableErrorBody(t *testing.T) {
	client := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("<html>nope</html>"))
	})

	_, err := client.Login(context.Background(), "cred")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "login rejected", apiErr.Message)
}

func TestLoginFailsOnBadSuccessBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{oops"},
		{name: "empty token", body: `{"access_token":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := loginServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})

			_, err := client.Login(context.Background(), "cred")
			assert.ErrorIs(t, err, ErrLoginFailed)
		})
	}
}

func TestLoginTransportFailure(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 100*time.Millisecond)
	_, err := client.Login(context.Background(), "cred")
	assert.ErrorIs(t, err, ErrLoginFailed)
}
