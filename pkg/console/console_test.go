package console

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flecs-technologies/flecsd/pkg/commands"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsole(handler http.HandlerFunc) (*Console, *httptest.Server) {
	server := httptest.NewServer(handler)
	return NewConsole(commands.NewDummyLog(), server.URL), server
}

func TestActivateLicense(t *testing.T) {
	console, server := newTestConsole(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/device/license/activate", r.URL.Path)
		assert.Equal(t, "old-session", r.Header.Get("X-Session-Id"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"sessionId":"fresh-session"}}`))
	})
	defer server.Close()

	session, err := console.ActivateLicense("old-session", "")
	require.NoError(t, err)
	assert.Equal(t, "fresh-session", session.ID)
}

func TestActivateLicenseAlreadyActive(t *testing.T) {
	console, server := newTestConsole(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	defer server.Close()

	session, err := console.ActivateLicense("current-session", "ABC-DEF")
	require.NoError(t, err)
	assert.Equal(t, "current-session", session.ID)
}

func TestActivateLicenseError(t *testing.T) {
	console, server := newTestConsole(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"reason":"license exhausted"}`))
	})
	defer server.Close()

	_, err := console.ActivateLicense("session", "ABC-DEF")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "license exhausted")
}

func TestValidateLicense(t *testing.T) {
	console, server := newTestConsole(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/device/license/validate", r.URL.Path)
		w.Write([]byte(`{"isValid":true}`))
	})
	defer server.Close()

	valid, err := console.ValidateLicense("session")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestFreshSessionIDPropagates(t *testing.T) {
	console, server := newTestConsole(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Session-Id", "superseding")
		w.Write([]byte(`{"isValid":false}`))
	})
	defer server.Close()

	var seen SessionID
	console.OnSessionID = func(s SessionID) { seen = s }

	_, err := console.ValidateLicense("session")
	require.NoError(t, err)
	assert.Equal(t, "superseding", seen.ID)
	assert.NotZero(t, seen.Timestamp)
}

func TestDownloadManifest(t *testing.T) {
	console, server := newTestConsole(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/manifests/tech.flecs.demo/1.0.0", r.URL.Path)
		w.Write([]byte(`{"app":"tech.flecs.demo","version":"1.0.0","image":"flecs/demo"}`))
	})
	defer server.Close()

	body, err := console.DownloadManifest(manifest.NewAppKey("tech.flecs.demo", "1.0.0"), "session")
	require.NoError(t, err)
	assert.Contains(t, string(body), "tech.flecs.demo")
}

func TestDownloadManifestSizeCap(t *testing.T) {
	console, server := newTestConsole(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", maxManifestSize+1)))
	})
	defer server.Close()

	_, err := console.DownloadManifest(manifest.NewAppKey("tech.flecs.demo", "1.0.0"), "session")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestAcquireDownloadToken(t *testing.T) {
	console, server := newTestConsole(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/tokens", r.URL.Path)
		w.Write([]byte(`{"token":{"username":"u","password":"p"}}`))
	})
	defer server.Close()

	token, err := console.AcquireDownloadToken(manifest.NewAppKey("tech.flecs.demo", "1.0.0"), "session")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "u", token.Username)
	assert.Equal(t, "p", token.Password)
}

func TestAcquireDownloadTokenNotNeeded(t *testing.T) {
	console, server := newTestConsole(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	defer server.Close()

	token, err := console.AcquireDownloadToken(manifest.NewAppKey("tech.flecs.demo", "1.0.0"), "session")
	require.NoError(t, err)
	assert.Nil(t, token)
}
