package apiclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	client := New("http://localhost:10810")
	assert.NotNil(t, client)
	assert.Equal(t, "http://localhost:10810", client.baseURL)
}

func TestWithToken(t *testing.T) {
	client := New("http://localhost:10810")
	tokenClient := client.WithToken("test-token")

	assert.Empty(t, client.token)
	assert.Equal(t, "test-token", tokenClient.token)
	assert.Equal(t, "http://localhost:10810", tokenClient.baseURL)
}

func TestExports(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/exports", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		data, _ := json.Marshal([]Export{{Name: "default", Description: "primary volume"}})
		_ = json.NewEncoder(w).Encode(envelope{Status: "ok", Timestamp: time.Now().UTC(), Data: data})
	}))
	defer server.Close()

	client := New(server.URL).WithToken("secret")
	exports, err := client.Exports()
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, "default", exports[0].Name)
}

func TestGetReturnsAPIErrorOnFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(envelope{Status: "error", Timestamp: time.Now().UTC(), Error: "authorization header required"})
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.Backends()
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "authorization header required", apiErr.Message)
}

func TestHealthzSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_ = json.NewEncoder(w).Encode(envelope{Status: "healthy", Timestamp: time.Now().UTC()})
	}))
	defer server.Close()

	client := New(server.URL)
	require.NoError(t, client.Healthz())
}
