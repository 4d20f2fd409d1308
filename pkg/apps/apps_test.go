package apps

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/flecs-technologies/flecsd/pkg/commands"
	"github.com/flecs-technologies/flecsd/pkg/console"
	"github.com/flecs-technologies/flecsd/pkg/deployment"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/jobs"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/flecs-technologies/flecsd/pkg/manifests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoManifest = `{
	"app": "tech.flecs.demo",
	"version": "1.0.0",
	"image": "flecs/demo"
}`

func demoKey() manifest.AppKey {
	return manifest.NewAppKey("tech.flecs.demo", "1.0.0")
}

type fakeDeployment struct {
	downloadCalls int
	downloadErr   error
	lastToken     *deployment.Token
	deleted       []string
	exported      []string
	imported      []string
	size          int64
}

func (f *fakeDeployment) DownloadApp(m *manifest.Manifest, token *deployment.Token) error {
	f.downloadCalls++
	f.lastToken = token
	return f.downloadErr
}

func (f *fakeDeployment) DeleteApp(m *manifest.Manifest) error {
	f.deleted = append(f.deleted, m.ImageWithTag())
	return nil
}

func (f *fakeDeployment) ImportApp(m *manifest.Manifest, archive string) error {
	f.imported = append(f.imported, archive)
	return nil
}

func (f *fakeDeployment) ExportApp(m *manifest.Manifest, archive string) error {
	f.exported = append(f.exported, archive)
	return os.WriteFile(archive, []byte("image"), 0o644)
}

func (f *fakeDeployment) AppSize(m *manifest.Manifest) (int64, error) {
	return f.size, nil
}

type fakeTokens struct {
	calls int
	token *console.DownloadToken
	err   error
}

func (f *fakeTokens) AcquireDownloadToken(key manifest.AppKey, sessionID string) (*console.DownloadToken, error) {
	f.calls++
	return f.token, f.err
}

type fakeInstances struct {
	ids     []instance.ID
	removed []instance.ID
	created []manifest.AppKey
	started []instance.ID
}

func (f *fakeInstances) InstanceIDs(filter manifest.AppKey) []instance.ID {
	return f.ids
}

func (f *fakeInstances) RemoveSync(id instance.ID) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeInstances) CreateSync(key manifest.AppKey, name string) (instance.ID, error) {
	f.created = append(f.created, key)
	return instance.ID(len(f.created)), nil
}

func (f *fakeInstances) StartSync(id instance.ID, once bool) error {
	f.started = append(f.started, id)
	return nil
}

type testEnv struct {
	apps      *Apps
	deploy    *fakeDeployment
	tokens    *fakeTokens
	instances *fakeInstances
	jobs      *jobs.Jobs
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConsole(t, nil)
}

func newTestEnvWithConsole(t *testing.T, consoleClient *console.Console) *testEnv {
	baseDir := t.TempDir()
	store := manifests.NewStore(commands.NewDummyLog(), consoleClient, func() string { return "session" })
	store.SetBasePath(filepath.Join(baseDir, "manifests"))

	deploy := &fakeDeployment{size: 42 * 1024 * 1024}
	tokens := &fakeTokens{}
	inst := &fakeInstances{}
	queue := jobs.NewDummyJobs()
	t.Cleanup(func() { queue.Close() })

	a := NewApps(commands.NewDummyLog(), store, queue, deploy, tokens, func() string { return "session" }, baseDir)
	a.SetInstances(inst)
	return &testEnv{apps: a, deploy: deploy, tokens: tokens, instances: inst, jobs: queue}
}

func TestSideloadInstallsApp(t *testing.T) {
	env := newTestEnv(t)

	id := env.apps.QueueSideload(demoManifest)
	code, message := env.jobs.WaitForJob(id)
	require.Equal(t, 0, code, message)

	app, ok := env.apps.Query(demoKey())
	require.True(t, ok)
	assert.Equal(t, StatusInstalled, app.Status)
	assert.Equal(t, StatusInstalled, app.Desired)
	assert.EqualValues(t, 42*1024*1024, app.InstalledSize)
	assert.Equal(t, 1, env.deploy.downloadCalls)
	require.NotNil(t, app.Manifest())

	// the record and the manifest both hit the disk
	content, err := os.ReadFile(filepath.Join(env.apps.BaseDir, "apps", "apps.json"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "tech.flecs.demo")
	assert.True(t, env.apps.Manifests.Contains(demoKey()))
}

func TestSideloadInvalidManifestFails(t *testing.T) {
	env := newTestEnv(t)

	id := env.apps.QueueSideload(`{"app":"tech.flecs.demo"}`)
	code, _ := env.jobs.WaitForJob(id)
	assert.Equal(t, -1, code)

	_, ok := env.apps.Query(demoKey())
	assert.False(t, ok)
}

func TestInstallPassesTokenToDeployment(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.token = &console.DownloadToken{Username: "u", Password: "p"}

	m, _, err := env.apps.Manifests.AddFromString(demoManifest)
	require.NoError(t, err)
	require.NoError(t, env.apps.install(m, jobs.NewDummyProgress()))

	require.NotNil(t, env.deploy.lastToken)
	assert.Equal(t, "u", env.deploy.lastToken.Username)
	assert.Equal(t, 1, env.tokens.calls)

	// the token is dropped once the app is installed
	app, _ := env.apps.Query(demoKey())
	assert.Nil(t, app.DownloadToken)
}

func TestInstallResumesWithoutRepeatingSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.deploy.downloadErr = fail.New(fail.Engine, "pull failed")

	m, _, err := env.apps.Manifests.AddFromString(demoManifest)
	require.NoError(t, err)

	err = env.apps.install(m, jobs.NewDummyProgress())
	require.Error(t, err)

	app, ok := env.apps.Query(demoKey())
	require.True(t, ok)
	assert.Equal(t, StatusTokenAcquired, app.Status)
	assert.Equal(t, StatusInstalled, app.Desired)
	assert.Equal(t, 1, env.tokens.calls)

	// the retry resumes at the download arrow: no second token acquisition
	env.deploy.downloadErr = nil
	require.NoError(t, env.apps.install(m, jobs.NewDummyProgress()))

	assert.Equal(t, StatusInstalled, app.Status)
	assert.Equal(t, 1, env.tokens.calls)
	assert.Equal(t, 2, env.deploy.downloadCalls)
}

func TestInstallFromMarketplace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/manifests/tech.flecs.demo/1.0.0":
			w.Write([]byte(demoManifest))
		case "/api/v2/tokens":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	env := newTestEnvWithConsole(t, console.NewConsole(commands.NewDummyLog(), server.URL))

	id := env.apps.QueueInstall(demoKey())
	code, message := env.jobs.WaitForJob(id)
	require.Equal(t, 0, code, message)

	assert.True(t, env.apps.IsInstalled(demoKey()))
}

func TestInstallManyCreatesAndStartsInstances(t *testing.T) {
	otherManifest := `{"app":"tech.flecs.other","version":"2.0.0","image":"flecs/other"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/manifests/tech.flecs.demo/1.0.0":
			w.Write([]byte(demoManifest))
		case "/api/v2/manifests/tech.flecs.other/2.0.0":
			w.Write([]byte(otherManifest))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	env := newTestEnvWithConsole(t, console.NewConsole(commands.NewDummyLog(), server.URL))

	keys := []manifest.AppKey{demoKey(), manifest.NewAppKey("tech.flecs.other", "2.0.0")}
	id := env.apps.QueueInstallMany(keys)
	code, message := env.jobs.WaitForJob(id)
	require.Equal(t, 0, code, message)

	assert.Equal(t, keys, env.instances.created)
	assert.Len(t, env.instances.started, 2)
}

func TestInstallManyCollectsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/manifests/tech.flecs.demo/1.0.0" {
			w.Write([]byte(demoManifest))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	env := newTestEnvWithConsole(t, console.NewConsole(commands.NewDummyLog(), server.URL))

	keys := []manifest.AppKey{
		demoKey(),
		manifest.NewAppKey("tech.flecs.missing", "9.9.9"),
	}
	id := env.apps.QueueInstallMany(keys)
	code, message := env.jobs.WaitForJob(id)

	// one failure does not abort the batch, but is reported jointly
	assert.Equal(t, -1, code)
	assert.Contains(t, message, "tech.flecs.missing")
	assert.True(t, env.apps.IsInstalled(demoKey()))
	assert.Len(t, env.instances.created, 1)
}

func TestUninstallRemovesEverything(t *testing.T) {
	env := newTestEnv(t)

	id := env.apps.QueueSideload(demoManifest)
	code, _ := env.jobs.WaitForJob(id)
	require.Equal(t, 0, code)

	env.instances.ids = []instance.ID{7, 8}

	id = env.apps.QueueUninstall(demoKey(), false)
	code, message := env.jobs.WaitForJob(id)
	require.Equal(t, 0, code, message)

	assert.Equal(t, []instance.ID{7, 8}, env.instances.removed)
	assert.Equal(t, []string{"flecs/demo:1.0.0"}, env.deploy.deleted)
	_, ok := env.apps.Query(demoKey())
	assert.False(t, ok)
	assert.False(t, env.apps.Manifests.Contains(demoKey()))
}

func TestUninstallNotInstalledFails(t *testing.T) {
	env := newTestEnv(t)

	err := env.apps.UninstallSync(demoKey(), false)
	require.Error(t, err)
	assert.True(t, fail.IsKind(err, fail.Conflict))
}

func TestUninstallSystemAppNeedsForce(t *testing.T) {
	systemManifest := `{
		"app": "tech.flecs.base",
		"version": "1.0.0",
		"image": "flecs/base",
		"labels": ["tech.flecs.category=system"]
	}`
	env := newTestEnv(t)

	id := env.apps.QueueSideload(systemManifest)
	code, _ := env.jobs.WaitForJob(id)
	require.Equal(t, 0, code)

	key := manifest.NewAppKey("tech.flecs.base", "1.0.0")
	err := env.apps.UninstallSync(key, false)
	require.Error(t, err)

	require.NoError(t, env.apps.UninstallSync(key, true))
	_, ok := env.apps.Query(key)
	assert.False(t, ok)
}

func TestAppKeysFilter(t *testing.T) {
	env := newTestEnv(t)
	env.apps.insert(&App{Key: manifest.NewAppKey("tech.flecs.a", "1.0")})
	env.apps.insert(&App{Key: manifest.NewAppKey("tech.flecs.a", "2.0")})
	env.apps.insert(&App{Key: manifest.NewAppKey("tech.flecs.b", "1.0")})

	assert.Len(t, env.apps.AppKeys(manifest.AppKey{}), 3)
	assert.Len(t, env.apps.AppKeys(manifest.AppKey{Name: "tech.flecs.a"}), 2)
	assert.Len(t, env.apps.AppKeys(manifest.AppKey{Name: "tech.flecs.a", Version: "2.0"}), 1)
	assert.Empty(t, env.apps.AppKeys(manifest.AppKey{Name: "tech.flecs.c"}))
}

func TestExportImportRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	id := env.apps.QueueSideload(demoManifest)
	code, _ := env.jobs.WaitForJob(id)
	require.Equal(t, 0, code)

	destDir := t.TempDir()
	require.NoError(t, env.apps.ExportTo(demoKey(), destDir, jobs.NewDummyProgress()))

	tarName := fmt.Sprintf("%s_%s.tar", demoKey().Name, demoKey().Version)
	assert.FileExists(t, filepath.Join(destDir, tarName))
	assert.FileExists(t, filepath.Join(destDir, "tech.flecs.demo_1.0.0.json"))

	// wipe and restore
	require.NoError(t, env.apps.UninstallSync(demoKey(), false))
	require.NoError(t, env.apps.ImportFrom(demoKey(), destDir))

	app, ok := env.apps.Query(demoKey())
	require.True(t, ok)
	assert.Equal(t, StatusInstalled, app.Status)
	assert.Equal(t, []string{filepath.Join(destDir, tarName)}, env.deploy.imported)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	id := env.apps.QueueSideload(demoManifest)
	code, _ := env.jobs.WaitForJob(id)
	require.Equal(t, 0, code)

	restored := NewApps(commands.NewDummyLog(), env.apps.Manifests, env.jobs, env.deploy, env.tokens,
		func() string { return "session" }, env.apps.BaseDir)
	require.NoError(t, restored.Load())
	restored.Init()

	app, ok := restored.Query(demoKey())
	require.True(t, ok)
	assert.Equal(t, StatusInstalled, app.Status)
	require.NotNil(t, app.Manifest())
	assert.Equal(t, "flecs/demo:1.0.0", app.Manifest().ImageWithTag())
}
