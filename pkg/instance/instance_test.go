package instance

import (
	"encoding/json"
	"testing"

	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDHex(t *testing.T) {
	assert.Equal(t, "00000001", ID(1).Hex())
	assert.Equal(t, "deadbeef", ID(0xdeadbeef).Hex())

	id, err := ParseID("deadbeef")
	assert.NoError(t, err)
	assert.Equal(t, ID(0xdeadbeef), id)

	_, err = ParseID("xyz")
	assert.Error(t, err)
	_, err = ParseID("abc")
	assert.Error(t, err)
}

func TestInstanceNames(t *testing.T) {
	i := &Instance{ID: 0xabcd1234}
	assert.Equal(t, "flecs-abcd1234", i.ContainerName())
	assert.Equal(t, "flecs-abcd1234-data", i.VolumeName("data"))
}

func TestEditorPortMap(t *testing.T) {
	i := &Instance{}

	_, ok := i.EditorPort(5900)
	assert.False(t, ok)

	i.SetEditorPort(5900, 42424)
	port, ok := i.EditorPort(5900)
	assert.True(t, ok)
	assert.EqualValues(t, 42424, port)

	i.ClearEditorPorts()
	_, ok = i.EditorPort(5900)
	assert.False(t, ok)
}

func TestEditorPortsNotPersisted(t *testing.T) {
	i := New(manifest.NewAppKey("tech.flecs.demo", "1.0.0"), "demo")
	i.SetEditorPort(5900, 42424)

	data, err := json.Marshal(i)
	require.NoError(t, err)

	var again Instance
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, i.ID, again.ID)
	_, ok := again.EditorPort(5900)
	assert.False(t, ok)
}

func TestEnvironmentInheritance(t *testing.T) {
	i := New(manifest.NewAppKey("tech.flecs.demo", "1.0.0"), "")
	assert.Nil(t, i.Environment)

	i.SetEnvironment(manifest.Environment{{Var: "A", Value: "1"}})
	require.NotNil(t, i.Environment)
	assert.Len(t, *i.Environment, 1)

	i.ClearEnvironment()
	assert.Nil(t, i.Environment)
}

func TestInstanceJSONRoundTrip(t *testing.T) {
	i := New(manifest.NewAppKey("tech.flecs.demo", "1.0.0"), "demo")
	i.Status = StatusStopped
	i.Desired = StatusRunning
	i.Networks = []NetworkAttachment{{NetworkName: "flecs", IPAddress: "172.21.0.2"}}
	i.StartupOptions = []manifest.StartupOption{manifest.InitNetworkAfterStart}
	i.SetPorts([]manifest.MappedPortRange{{
		Host:      manifest.PortRange{Start: 8080, End: 8080},
		Container: manifest.PortRange{Start: 80, End: 80},
	}})

	data, err := json.Marshal(i)
	require.NoError(t, err)

	var again Instance
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, i.ID, again.ID)
	assert.Equal(t, StatusStopped, again.Status)
	assert.Equal(t, StatusRunning, again.Desired)
	assert.Equal(t, "172.21.0.2", again.IPAddress())
	require.NotNil(t, again.Ports)
	assert.Equal(t, "8080:80", (*again.Ports)[0].String())
	assert.True(t, again.HasStartupOption(manifest.InitNetworkAfterStart))
}
