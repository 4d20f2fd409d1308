// Package manifests is the canonical on-disk cache of validated app
// manifests, keyed by (name, version). Entries live at
// ${basePath}/${name}/${version}/manifest.json.
package manifests

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/console"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/flecs-technologies/flecsd/pkg/utils"
)

// maxDownloadSize caps manifests fetched from a url; anything larger fails
// closed
const maxDownloadSize = 64 * 1024

// Store caches validated manifests in memory and mirrors them to disk
type Store struct {
	Log     *logrus.Entry
	Console *console.Console

	// SessionID provides the device identity for console downloads
	SessionID func() string

	// Client fetches manifests from plain urls
	Client *http.Client

	mutex     deadlock.Mutex
	basePath  string
	manifests []*manifest.Manifest
}

// NewStore builds an empty store; call SetBasePath before use
func NewStore(log *logrus.Entry, consoleClient *console.Console, sessionID func() string) *Store {
	return &Store{
		Log:       log,
		Console:   consoleClient,
		SessionID: sessionID,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBasePath sets the on-disk root and clears the cache. If the path cannot
// be created the base path is cleared and all subsequent queries fail closed.
func (s *Store) SetBasePath(basePath string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.manifests = nil
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		s.basePath = ""
		return
	}
	canonical, err := filepath.Abs(basePath)
	if err != nil {
		s.basePath = ""
		return
	}
	s.basePath = canonical
}

// BasePath returns the current on-disk root
func (s *Store) BasePath() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.basePath
}

// Migrate moves every direct subdirectory of the current base path into the
// new one (recursive copy, overwrite, source removal), then switches over.
// On any error the cache is cleared.
func (s *Store) Migrate(newPath string) error {
	oldPath := s.BasePath()

	entries, err := os.ReadDir(oldPath)
	if err != nil {
		s.Clear()
		return fail.New(fail.Io, "could not read %s: %s", oldPath, err)
	}

	var toRemove []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		src := filepath.Join(oldPath, entry.Name())
		if err := utils.CopyDir(src, filepath.Join(newPath, entry.Name())); err != nil {
			s.Clear()
			return fail.New(fail.Io, "could not migrate %s: %s", src, err)
		}
		toRemove = append(toRemove, src)
	}
	for _, path := range toRemove {
		_ = os.RemoveAll(path)
	}

	s.SetBasePath(newPath)
	return nil
}

// Contains reports whether the key is in the cache; it does not touch disk
func (s *Store) Contains(key manifest.AppKey) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.findLocked(key) != nil
}

func (s *Store) findLocked(key manifest.AppKey) *manifest.Manifest {
	for _, m := range s.manifests {
		if m.App == key.Name && m.Version == key.Version {
			return m
		}
	}
	return nil
}

// Query returns the cached entry; on a miss it tries the manifest file on
// disk, validates, inserts and returns it. Any failure returns nothing.
func (s *Store) Query(key manifest.AppKey) (*manifest.Manifest, bool) {
	if !key.IsValid() {
		return nil, false
	}

	s.mutex.Lock()
	cached := s.findLocked(key)
	basePath := s.basePath
	s.mutex.Unlock()

	if cached != nil {
		return cached, true
	}
	if basePath == "" {
		return nil, false
	}

	path := s.Path(key)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	m, _, err := s.AddFromFile(path)
	if err != nil {
		return nil, false
	}
	return m, true
}

// Path is where the manifest for the key lives on disk
func (s *Store) Path(key manifest.AppKey) string {
	return filepath.Join(s.BasePath(), key.Name, key.Version, "manifest.json")
}

// Add inserts a validated manifest. If the key is already cached, the cached
// entry is updated in place (preserving the single shared reference) and
// inserted is false. New entries are written to disk; an existing identical
// file is not rewritten.
func (s *Store) Add(m *manifest.Manifest) (*manifest.Manifest, bool, error) {
	if err := m.Validate(); err != nil {
		return nil, false, err
	}
	key := m.Key()

	s.mutex.Lock()
	if existing := s.findLocked(key); existing != nil {
		*existing = *m
		s.mutex.Unlock()
		return existing, false, nil
	}
	s.manifests = append(s.manifests, m)
	s.mutex.Unlock()

	content, err := m.ToJSON()
	if err != nil {
		return m, false, fail.New(fail.Internal, "could not serialise manifest %s", key)
	}
	path := s.Path(key)
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		return m, true, nil
	}
	if err := utils.WriteFileAtomic(path, content, 0o644); err != nil {
		s.Log.Errorf("could not write manifest %s to local store: %s", key, err)
		return m, false, fail.New(fail.Io, "could not write manifest %s", key)
	}
	return m, true, nil
}

// AddFromString parses either manifest form and adds it
func (s *Store) AddFromString(manifestStr string) (*manifest.Manifest, bool, error) {
	m, err := manifest.FromString(manifestStr)
	if err != nil {
		return nil, false, err
	}
	return s.Add(m)
}

// AddFromFile reads a manifest file and adds it
func (s *Store) AddFromFile(path string) (*manifest.Manifest, bool, error) {
	m, err := manifest.FromFile(path)
	if err != nil {
		return nil, false, err
	}
	return s.Add(m)
}

// AddFromURL downloads a manifest, capped at 64 KiB; any transport error or
// size overrun fails closed
func (s *Store) AddFromURL(url string) (*manifest.Manifest, bool, error) {
	res, err := s.Client.Get(url)
	if err != nil {
		return nil, false, fail.New(fail.Network, "could not download manifest %s: %s", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, false, fail.New(fail.Network, "could not download manifest %s: status code %d", url, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxDownloadSize+1))
	if err != nil {
		return nil, false, fail.New(fail.Network, "could not download manifest %s: %s", url, err)
	}
	if len(body) > maxDownloadSize {
		return nil, false, fail.New(fail.Network, "manifest %s exceeds %d bytes", url, maxDownloadSize)
	}
	return s.AddFromString(string(body))
}

// AddFromConsole downloads the manifest for a key from the console
func (s *Store) AddFromConsole(key manifest.AppKey) (*manifest.Manifest, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	body, err := s.Console.DownloadManifest(key, s.SessionID())
	if err != nil {
		return nil, false, err
	}
	return s.AddFromString(string(body))
}

// Erase removes the manifest from cache and disk
func (s *Store) Erase(key manifest.AppKey) {
	if err := os.Remove(s.Path(key)); err != nil && !os.IsNotExist(err) {
		s.Log.Warnf("could not delete manifest for %s: %s", key, err)
	}
	// prune now-empty name/version directories
	_ = os.Remove(filepath.Dir(s.Path(key)))
	_ = os.Remove(filepath.Dir(filepath.Dir(s.Path(key))))

	s.Remove(key)
}

// Remove drops the manifest from the cache only
func (s *Store) Remove(key manifest.AppKey) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i, m := range s.manifests {
		if m.App == key.Name && m.Version == key.Version {
			s.manifests = append(s.manifests[:i], s.manifests[i+1:]...)
			return
		}
	}
}

// Clear empties the cache, invalidating all references handed out so far
func (s *Store) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.manifests = nil
}
