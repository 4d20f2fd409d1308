package manifests

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flecs-technologies/flecsd/pkg/commands"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `{
	"app": "tech.flecs.test-app",
	"version": "1.2.3",
	"image": "flecs/test-app"
}`

func newTestStore(t *testing.T) *Store {
	s := NewStore(commands.NewDummyLog(), nil, func() string { return "session" })
	s.SetBasePath(t.TempDir())
	return s
}

func testKey() manifest.AppKey {
	return manifest.NewAppKey("tech.flecs.test-app", "1.2.3")
}

func TestAddFromStringWritesToDisk(t *testing.T) {
	s := newTestStore(t)

	m, inserted, err := s.AddFromString(testManifest)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, testKey(), m.Key())

	path := filepath.Join(s.BasePath(), "tech.flecs.test-app", "1.2.3", "manifest.json")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"tech.flecs.test-app"`)
	assert.True(t, strings.HasSuffix(string(content), "\n"))
}

func TestAddExistingUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)

	first, inserted, err := s.AddFromString(testManifest)
	require.NoError(t, err)
	require.True(t, inserted)

	updated := strings.Replace(testManifest, "flecs/test-app", "flecs/test-app-v2", 1)
	second, inserted, err := s.AddFromString(updated)
	require.NoError(t, err)
	assert.False(t, inserted)

	// the shared reference is preserved and sees the update
	assert.Same(t, first, second)
	assert.Equal(t, "flecs/test-app-v2", first.Image)
}

func TestContainsDoesNotTouchDisk(t *testing.T) {
	s := newTestStore(t)

	// manifest exists on disk but was never loaded
	path := filepath.Join(s.BasePath(), "tech.flecs.test-app", "1.2.3", "manifest.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o644))

	assert.False(t, s.Contains(testKey()))

	// query loads it into the cache
	m, ok := s.Query(testKey())
	require.True(t, ok)
	assert.Equal(t, testKey(), m.Key())
	assert.True(t, s.Contains(testKey()))
}

func TestQueryInvalidKeyFailsClosed(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Query(manifest.NewAppKey("Bad Key", ""))
	assert.False(t, ok)
}

func TestEraseRemovesCacheAndDisk(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.AddFromString(testManifest)
	require.NoError(t, err)

	s.Erase(testKey())

	assert.False(t, s.Contains(testKey()))
	_, err = os.Stat(s.Path(testKey()))
	assert.True(t, os.IsNotExist(err))

	// gone for good: query cannot resurrect it
	_, ok := s.Query(testKey())
	assert.False(t, ok)
}

func TestRemoveKeepsDisk(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.AddFromString(testManifest)
	require.NoError(t, err)

	s.Remove(testKey())
	assert.False(t, s.Contains(testKey()))

	// still on disk, so query reloads it
	_, ok := s.Query(testKey())
	assert.True(t, ok)
}

func TestMigrateMovesEntries(t *testing.T) {
	s := newTestStore(t)
	oldPath := s.BasePath()

	_, _, err := s.AddFromString(testManifest)
	require.NoError(t, err)

	newPath := t.TempDir()
	require.NoError(t, s.Migrate(newPath))

	// entries moved, base path switched, cache rebuilt on demand
	assert.Equal(t, newPath, s.BasePath())
	_, err = os.Stat(filepath.Join(newPath, "tech.flecs.test-app", "1.2.3", "manifest.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(oldPath, "tech.flecs.test-app"))
	assert.True(t, os.IsNotExist(err))

	_, ok := s.Query(testKey())
	assert.True(t, ok)
}

func TestAddFromURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testManifest))
	}))
	defer server.Close()

	s := newTestStore(t)
	m, inserted, err := s.AddFromURL(server.URL + "/manifest.json")
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, testKey(), m.Key())
}

func TestAddFromURLSizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", maxDownloadSize+1)))
	}))
	defer server.Close()

	s := newTestStore(t)
	_, _, err := s.AddFromURL(server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestAddInvalidManifestFails(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.AddFromString(`{"app":"tech.flecs.x","version":"1.0"}`)
	assert.Error(t, err)
	assert.False(t, s.Contains(manifest.NewAppKey("tech.flecs.x", "1.0")))
}
