package flecsport

import (
	"encoding/json"
	"testing"

	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportManifestShape(t *testing.T) {
	keys := []manifest.AppKey{manifest.NewAppKey("tech.flecs.demo", "1.0.0")}
	ids := []instance.ID{0xabcd1234}

	m := newExportManifest(keys, ids)
	assert.Equal(t, "2.0.0", m.SchemaVersion)
	assert.NotEmpty(t, m.Time)
	assert.NotEmpty(t, m.Device.Hostname)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "_schemaVersion")
	assert.Contains(t, decoded, "contents")
	assert.Contains(t, decoded, "device")
	assert.Contains(t, decoded, "version")

	var roundTrip ExportManifest
	require.NoError(t, json.Unmarshal(data, &roundTrip))
	assert.Equal(t, keys, roundTrip.Contents.Apps)
	assert.Equal(t, ids, roundTrip.Contents.Instances)
}
