// Package manifest holds the validated declarative description of an app and
// the value types it is composed of. The canonical storage form is JSON; the
// earlier YAML form is accepted and transparently converted.
package manifest

import (
	"encoding/json"
	"os"
	"strings"

	yaml "github.com/goccy/go-yaml"

	"github.com/flecs-technologies/flecsd/pkg/fail"
)

// ManifestNetwork is a network attachment request in a manifest. The first
// entry is the default network.
type ManifestNetwork struct {
	Name       string `json:"name"`
	MacAddress string `json:"macAddress,omitempty"`
}

// Manifest is the validated declarative description of an App
type Manifest struct {
	App            string            `json:"app"`
	SchemaVersion  string            `json:"_schemaVersion,omitempty"`
	Version        string            `json:"version"`
	Image          string            `json:"image"`
	MultiInstance  bool              `json:"multiInstance"`
	Editors        Editors           `json:"editors,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Conffiles      []Conffile        `json:"conffiles,omitempty"`
	Devices        []string          `json:"devices,omitempty"`
	Env            Environment       `json:"env,omitempty"`
	Hostname       string            `json:"hostname,omitempty"`
	Interactive    bool              `json:"interactive,omitempty"`
	Networks       []ManifestNetwork `json:"networks,omitempty"`
	Ports          []MappedPortRange `json:"ports,omitempty"`
	StartupOptions []StartupOption   `json:"startupOptions,omitempty"`
	Volumes        []Volume          `json:"volumes,omitempty"`
	Labels         []Label           `json:"labels,omitempty"`
}

// Key returns the manifest's app key
func (m *Manifest) Key() AppKey {
	return NewAppKey(m.App, m.Version)
}

// ImageWithTag is the engine image reference, tagged with the app version
func (m *Manifest) ImageWithTag() string {
	return m.Image + ":" + m.Version
}

// DefaultNetwork returns the first network entry, if any
func (m *Manifest) DefaultNetwork() (ManifestNetwork, bool) {
	if len(m.Networks) == 0 {
		return ManifestNetwork{}, false
	}
	return m.Networks[0], true
}

// NamedVolumes filters the manifest volumes down to engine-managed ones
func (m *Manifest) NamedVolumes() []Volume {
	var volumes []Volume
	for _, v := range m.Volumes {
		if v.Kind == VolumeKindVolume {
			volumes = append(volumes, v)
		}
	}
	return volumes
}

// Validate checks every field rule; a manifest must validate before it may
// enter the store
func (m *Manifest) Validate() error {
	if !m.Key().IsValid() {
		return fail.New(fail.InvalidArgument, "invalid app key %s", m.Key())
	}
	if m.Image == "" {
		return fail.New(fail.InvalidArgument, "manifest %s has no image", m.Key())
	}
	for _, c := range m.Conffiles {
		if !c.IsValid() {
			return fail.New(fail.InvalidArgument, "invalid conffile %q in %s", c, m.Key())
		}
	}
	if err := m.Env.Validate(); err != nil {
		return err
	}
	for _, p := range m.Ports {
		if !p.IsValid() {
			return fail.New(fail.InvalidArgument, "invalid port mapping %q in %s", p, m.Key())
		}
	}
	for _, v := range m.Volumes {
		if !v.IsValid() {
			return fail.New(fail.InvalidArgument, "invalid volume %q in %s", v, m.Key())
		}
	}
	for _, l := range m.Labels {
		if !l.IsValid() {
			return fail.New(fail.InvalidArgument, "invalid label %q in %s", l, m.Key())
		}
	}
	if m.Hostname != "" && m.MultiInstance {
		return fail.New(fail.InvalidArgument,
			"manifest %s sets a hostname but is multi-instance", m.Key())
	}
	return nil
}

// FromJSON parses and validates a JSON manifest
func FromJSON(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fail.New(fail.InvalidArgument, "could not parse manifest: %s", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// FromYAML converts a YAML manifest to its JSON form and parses that
func FromYAML(data []byte) (*Manifest, error) {
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fail.New(fail.InvalidArgument, "could not parse manifest: %s", err)
	}
	converted, err := json.Marshal(tree)
	if err != nil {
		return nil, fail.New(fail.InvalidArgument, "could not convert manifest: %s", err)
	}
	return FromJSON(converted)
}

// FromString accepts either form, preferring JSON
func FromString(s string) (*Manifest, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		return FromJSON([]byte(trimmed))
	}
	return FromYAML([]byte(s))
}

// FromFile reads a manifest from disk, accepting either form
func FromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fail.New(fail.Io, "could not read manifest %s: %s", path, err)
	}
	return FromString(string(data))
}

// ToJSON renders the canonical, newline-terminated storage form
func (m *Manifest) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
