package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifestJSON = `{
	"app": "tech.flecs.test-app",
	"version": "1.2.3",
	"image": "flecs/test-app",
	"multiInstance": false,
	"editors": [
		{"name": "Editor", "port": 1234, "supportsReverseProxy": true},
		{"name": "VNC", "port": 5900, "supportsReverseProxy": false}
	],
	"env": ["MY_VAR=value", "OTHER=1"],
	"ports": ["8080:80", "5000-5005:5000-5005"],
	"volumes": ["data:/var/data", "/etc/hosts:/etc/hosts"],
	"conffiles": ["app.conf:/etc/app/app.conf:ro"],
	"networks": [{"name": "flecs"}],
	"startupOptions": ["initNetworkAfterStart"],
	"labels": ["tech.flecs", "tech.flecs.category=test"]
}`

func TestManifestFromJSON(t *testing.T) {
	m, err := FromJSON([]byte(validManifestJSON))
	require.NoError(t, err)

	assert.Equal(t, NewAppKey("tech.flecs.test-app", "1.2.3"), m.Key())
	assert.Equal(t, "flecs/test-app:1.2.3", m.ImageWithTag())

	editor, ok := m.Editors.ForPort(1234)
	require.True(t, ok)
	assert.True(t, editor.SupportsReverseProxy)
	assert.EqualValues(t, []uint16{1234}, m.Editors.ReverseProxyPorts())

	require.Len(t, m.Ports, 2)
	assert.Equal(t, "8080:80", m.Ports[0].String())
	assert.Equal(t, "5000-5005:5000-5005", m.Ports[1].String())

	require.Len(t, m.Volumes, 2)
	assert.Equal(t, VolumeKindVolume, m.Volumes[0].Kind)
	assert.Equal(t, VolumeKindBind, m.Volumes[1].Kind)
	assert.Len(t, m.NamedVolumes(), 1)

	require.Len(t, m.Conffiles, 1)
	assert.True(t, m.Conffiles[0].ReadOnly)

	assert.True(t, HasStartupOption(m.StartupOptions, InitNetworkAfterStart))
}

func TestManifestFromYAML(t *testing.T) {
	yamlManifest := `
app: tech.flecs.test-app
version: 1.2.3
image: flecs/test-app
env:
  - MY_VAR=value
ports:
  - 8080:80
volumes:
  - data:/var/data
`
	m, err := FromString(yamlManifest)
	require.NoError(t, err)
	assert.Equal(t, "tech.flecs.test-app", m.App)
	assert.Equal(t, "8080:80", m.Ports[0].String())
}

func TestManifestValidation(t *testing.T) {
	type scenario struct {
		mutate func(*Manifest)
	}

	scenarios := []scenario{
		{func(m *Manifest) { m.App = "Not.A.Name" }},
		{func(m *Manifest) { m.Version = "" }},
		{func(m *Manifest) { m.Image = "" }},
		{func(m *Manifest) { m.Hostname = "myhost"; m.MultiInstance = true }},
		{func(m *Manifest) { m.Env = append(m.Env, EnvVar{Var: "9bad", Value: "x"}) }},
		{func(m *Manifest) { m.Env = append(m.Env, m.Env[0]) }},
	}

	for i, s := range scenarios {
		m, err := FromJSON([]byte(validManifestJSON))
		require.NoError(t, err)
		s.mutate(m)
		assert.Error(t, m.Validate(), "scenario %d", i)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m, err := FromJSON([]byte(validManifestJSON))
	require.NoError(t, err)

	data, err := m.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	again, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, m, again)
}

func TestMappedPortRange(t *testing.T) {
	type scenario struct {
		input    string
		expected MappedPortRange
		fails    bool
	}

	scenarios := []scenario{
		{input: "8080:80", expected: MappedPortRange{
			Host: PortRange{8080, 8080}, Container: PortRange{80, 80},
		}},
		{input: "5000-5005:6000-6005", expected: MappedPortRange{
			Host: PortRange{5000, 5005}, Container: PortRange{6000, 6005},
		}},
		{input: "9000", expected: MappedPortRange{
			Host: PortRange{9000, 9000}, Container: PortRange{9000, 9000},
		}},
		{input: "5000-5005:6000", fails: true},
		{input: "abc:80", fails: true},
		{input: "", fails: true},
	}

	for _, s := range scenarios {
		parsed, err := ParseMappedPortRange(s.input)
		if s.fails {
			assert.Error(t, err, s.input)
			continue
		}
		assert.NoError(t, err, s.input)
		assert.Equal(t, s.expected, parsed, s.input)
	}
}

func TestPortRangeCollision(t *testing.T) {
	a := PortRange{8080, 8090}
	assert.True(t, a.CollidesWith(PortRange{8090, 8100}))
	assert.True(t, a.CollidesWith(PortRange{8000, 9000}))
	assert.False(t, a.CollidesWith(PortRange{8091, 8100}))
	assert.False(t, a.CollidesWith(PortRange{}))
	assert.False(t, PortRange{}.CollidesWith(a))
}

func TestEmptyHostRangeRoundTrip(t *testing.T) {
	m := MappedPortRange{Container: PortRange{80, 80}}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `":80"`, string(data))

	var again MappedPortRange
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, m, again)
	assert.True(t, again.Host.IsEmpty())
}

func TestEnvVar(t *testing.T) {
	env, err := ParseEnvVar("MY_VAR=some value")
	assert.NoError(t, err)
	assert.Equal(t, "MY_VAR", env.Var)
	assert.Equal(t, "some value", env.Value)

	_, err = ParseEnvVar("9starts-with-digit=x")
	assert.Error(t, err)
}

func TestVolumeParsing(t *testing.T) {
	v, err := ParseVolume("data_1:/var/data")
	assert.NoError(t, err)
	assert.Equal(t, VolumeKindVolume, v.Kind)

	v, err = ParseVolume("/host/path:/container/path")
	assert.NoError(t, err)
	assert.Equal(t, VolumeKindBind, v.Kind)

	_, err = ParseVolume("data:relative/path")
	assert.Error(t, err)
	_, err = ParseVolume("no-container-path")
	assert.Error(t, err)
}
