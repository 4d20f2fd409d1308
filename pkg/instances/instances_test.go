package instances

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flecs-technologies/flecsd/pkg/apps"
	"github.com/flecs-technologies/flecsd/pkg/commands"
	"github.com/flecs-technologies/flecsd/pkg/console"
	"github.com/flecs-technologies/flecsd/pkg/deployment"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/floxy"
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
	"image": "flecs/demo",
	"editors": [
		{"name": "Editor", "port": 1234, "supportsReverseProxy": true},
		{"name": "VNC", "port": 5900, "supportsReverseProxy": false}
	],
	"ports": ["8080:80"],
	"volumes": ["data:/var/data"]
}`

func demoKey() manifest.AppKey {
	return manifest.NewAppKey("tech.flecs.demo", "1.0.0")
}

type engineRule struct {
	prefix string
	stdout string
	fails  bool
}

// fakeEngine scripts both the docker CLI and nginx
type fakeEngine struct {
	rules []engineRule
	calls []string
}

func (f *fakeEngine) command(name string, args ...string) *exec.Cmd {
	call := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, call)
	for _, rule := range f.rules {
		if strings.HasPrefix(call, rule.prefix) {
			if rule.fails {
				return exec.Command("sh", "-c", fmt.Sprintf("echo %q >&2; exit 1", rule.stdout))
			}
			return exec.Command("printf", "%s", rule.stdout)
		}
	}
	return exec.Command("true")
}

func (f *fakeEngine) prepend(rules ...engineRule) {
	f.rules = append(rules, f.rules...)
}

type stubTokens struct{}

func (stubTokens) AcquireDownloadToken(key manifest.AppKey, sessionID string) (*console.DownloadToken, error) {
	return nil, nil
}

type testEnv struct {
	engine    *fakeEngine
	deploy    *deployment.DockerDeployment
	apps      *apps.Apps
	instances *Instances
	jobs      *jobs.Jobs
	baseDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	baseDir := t.TempDir()
	log := commands.NewDummyLog()

	engine := &fakeEngine{rules: []engineRule{
		{prefix: "docker network inspect --format {{.Driver}}", stdout: "bridge\n"},
		{prefix: "docker network inspect --format {{range .IPAM.Config}}{{.Subnet}}{{end}}", stdout: "172.21.0.0/16\n"},
		{prefix: "docker network inspect --format {{range .IPAM.Config}}{{.Gateway}}{{end}}", stdout: "172.21.0.1\n"},
		{prefix: "docker network inspect --format {{if ne .Options.parent nil}}", stdout: "\n"},
		{prefix: "docker inspect -f {{ .Size }}", stdout: "1024\n"},
		{prefix: "docker create", stdout: "f00dfeedcafe\n"},
	}}
	osCommand := commands.NewOSCommand(log)
	osCommand.SetCommand(engine.command)

	store := manifests.NewStore(log, nil, func() string { return "session" })
	store.SetBasePath(filepath.Join(baseDir, "manifests"))

	deploy := deployment.NewDockerDeployment(log, osCommand, "docker", baseDir, store)
	floxyController := floxy.NewFloxy(log, osCommand, baseDir, "/etc/nginx/floxy.conf")
	queue := jobs.NewDummyJobs()
	t.Cleanup(func() { queue.Close() })

	appCatalog := apps.NewApps(log, store, queue, deploy, stubTokens{}, func() string { return "session" }, baseDir)
	orchestrator := NewInstances(log, deploy, appCatalog, queue, floxyController, baseDir)
	appCatalog.SetInstances(orchestrator)

	return &testEnv{
		engine:    engine,
		deploy:    deploy,
		apps:      appCatalog,
		instances: orchestrator,
		jobs:      queue,
		baseDir:   baseDir,
	}
}

func (env *testEnv) installDemoApp(t *testing.T) {
	id := env.apps.QueueSideload(demoManifest)
	code, message := env.jobs.WaitForJob(id)
	require.Equal(t, 0, code, message)
}

func TestCreateRequiresInstalledApp(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.instances.CreateSync(demoKey(), "demo")
	require.Error(t, err)
	assert.True(t, fail.IsKind(err, fail.Conflict))
}

func TestCreateInstance(t *testing.T) {
	env := newTestEnv(t)
	env.installDemoApp(t)

	jobID := env.instances.QueueCreate(demoKey(), "demo")
	code, message := env.jobs.WaitForJob(jobID)
	require.Equal(t, 0, code, message)

	ids := env.instances.InstanceIDs(demoKey())
	require.Len(t, ids, 1)

	inst, ok := env.instances.Query(ids[0])
	require.True(t, ok)
	assert.Len(t, inst.ID.Hex(), 8)
	assert.Equal(t, instance.StatusCreated, inst.Status)
	assert.Equal(t, instance.StatusStopped, env.instances.EffectiveStatus(inst))
	require.Len(t, inst.Networks, 1)
	assert.Equal(t, "flecs", inst.Networks[0].NetworkName)
	assert.Equal(t, "172.21.0.2", inst.Networks[0].IPAddress)

	// the record hit docker.json
	content, err := os.ReadFile(filepath.Join(env.baseDir, "deployment", "docker.json"))
	require.NoError(t, err)
	assert.Contains(t, string(content), inst.ID.Hex())
}

func TestCreateSingleInstanceAppReturnsExisting(t *testing.T) {
	env := newTestEnv(t)
	env.installDemoApp(t)

	first, err := env.instances.CreateSync(demoKey(), "demo")
	require.NoError(t, err)

	second, err := env.instances.CreateSync(demoKey(), "demo")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, env.instances.InstanceIDs(demoKey()), 1)
}

func TestStartWritesReverseProxyConfigAndDesired(t *testing.T) {
	env := newTestEnv(t)
	env.installDemoApp(t)

	id, err := env.instances.CreateSync(demoKey(), "demo")
	require.NoError(t, err)

	jobID := env.instances.QueueStart(id, false)
	code, message := env.jobs.WaitForJob(jobID)
	require.Equal(t, 0, code, message)

	inst, _ := env.instances.Query(id)
	assert.Equal(t, instance.StatusRunning, inst.Desired)

	// only the proxy-aware editor port shows up in the instance snippet
	snippet := filepath.Join(env.baseDir, "floxy", "instances", "tech.flecs.demo-"+id.Hex()+".conf")
	content, err := os.ReadFile(snippet)
	require.NoError(t, err)
	assert.Contains(t, string(content), "editor/1234")
	assert.NotContains(t, string(content), "editor/5900")

	started := false
	for _, call := range env.engine.calls {
		if call == "docker start flecs-"+id.Hex() {
			started = true
		}
	}
	assert.True(t, started)
}

func TestStartNotCreatedFails(t *testing.T) {
	env := newTestEnv(t)
	err := env.instances.StartSync(0xbadc0de, true)
	require.Error(t, err)
	assert.True(t, fail.IsKind(err, fail.NotFound))
}

func TestStopClearsEditorSessions(t *testing.T) {
	env := newTestEnv(t)
	env.installDemoApp(t)

	id, err := env.instances.CreateSync(demoKey(), "demo")
	require.NoError(t, err)
	inst, _ := env.instances.Query(id)

	// publish a non-proxy-aware editor like a redirect would
	require.NoError(t, os.MkdirAll(filepath.Join(env.baseDir, "floxy", "servers"), 0o755))
	serverSnippet := filepath.Join(env.baseDir, "floxy", "servers",
		fmt.Sprintf("tech.flecs.demo-%s_42424.conf", id.Hex()))
	require.NoError(t, os.WriteFile(serverSnippet, []byte("server {}"), 0o644))
	inst.SetEditorPort(5900, 42424)

	// the engine reports the instance as running so stop proceeds
	env.engine.prepend(engineRule{prefix: "docker ps --quiet --filter name=flecs-" + id.Hex(), stdout: "f00d\n"})

	require.NoError(t, env.instances.StopSync(id, false))

	assert.Equal(t, instance.StatusStopped, inst.Desired)
	_, ok := inst.EditorPort(5900)
	assert.False(t, ok)
	_, err = os.Stat(serverSnippet)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveDeletesVolumesAndRecord(t *testing.T) {
	env := newTestEnv(t)
	env.installDemoApp(t)

	id, err := env.instances.CreateSync(demoKey(), "demo")
	require.NoError(t, err)

	jobID := env.instances.QueueRemove(id)
	code, message := env.jobs.WaitForJob(jobID)
	require.Equal(t, 0, code, message)

	_, ok := env.instances.Query(id)
	assert.False(t, ok)

	volumeRemoved := false
	for _, call := range env.engine.calls {
		if call == "docker volume rm flecs-"+id.Hex()+"-data" {
			volumeRemoved = true
		}
	}
	assert.True(t, volumeRemoved)
}

func TestUpdateRequiresInstalledTarget(t *testing.T) {
	env := newTestEnv(t)
	env.installDemoApp(t)

	id, err := env.instances.CreateSync(demoKey(), "demo")
	require.NoError(t, err)

	jobID := env.instances.QueueUpdate(id, "2.0.0")
	code, message := env.jobs.WaitForJob(jobID)
	assert.Equal(t, -1, code)
	assert.Contains(t, message, "not installed")
}

func TestDetails(t *testing.T) {
	env := newTestEnv(t)
	env.installDemoApp(t)

	id, err := env.instances.CreateSync(demoKey(), "demo")
	require.NoError(t, err)

	details, err := env.instances.Details(id)
	require.NoError(t, err)

	assert.Equal(t, id, details.ID)
	assert.Equal(t, instance.StatusStopped, details.Status)
	assert.Equal(t, "172.21.0.2", details.IPAddress)
	assert.Equal(t, "flecs-"+id.Hex(), details.Hostname)
	require.Len(t, details.Ports, 1)
	assert.Equal(t, "8080", details.Ports[0].Host)
	require.Len(t, details.Volumes, 1)
	assert.Equal(t, "data", details.Volumes[0].Name)
	require.Len(t, details.Editors, 2)
	assert.Equal(t, "/v2/instances/"+id.Hex()+"/editor/1234", details.Editors[0].URL)
}

func TestEnvironmentOverrides(t *testing.T) {
	env := newTestEnv(t)
	env.installDemoApp(t)

	id, err := env.instances.CreateSync(demoKey(), "demo")
	require.NoError(t, err)

	duplicate := manifest.Environment{
		{Var: "A", Value: "1"},
		{Var: "A", Value: "2"},
	}
	err = env.instances.PutEnvironment(id, duplicate)
	require.Error(t, err)
	assert.True(t, fail.IsKind(err, fail.InvalidArgument))

	require.NoError(t, env.instances.PutEnvironment(id, manifest.Environment{{Var: "A", Value: "1"}}))
	environment, err := env.instances.GetEnvironment(id)
	require.NoError(t, err)
	assert.Len(t, environment, 1)

	require.NoError(t, env.instances.DeleteEnvironment(id))
	inst, _ := env.instances.Query(id)
	assert.Nil(t, inst.Environment)
}

func TestStartAllStartsDesiredRunning(t *testing.T) {
	env := newTestEnv(t)
	env.installDemoApp(t)

	id, err := env.instances.CreateSync(demoKey(), "demo")
	require.NoError(t, err)
	inst, _ := env.instances.Query(id)
	inst.Desired = instance.StatusRunning

	env.instances.StartAll()

	started := false
	for _, call := range env.engine.calls {
		if call == "docker start flecs-"+id.Hex() {
			started = true
		}
	}
	assert.True(t, started)
	// start once must not clobber the desired state
	assert.Equal(t, instance.StatusRunning, inst.Desired)
}
