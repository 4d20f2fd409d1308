// Package instance holds the runnable specialisation of an app: its identity,
// network attachments, volumes and environment.
package instance

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
)

// ID is the 32-bit instance identifier, rendered as an 8-hex-digit string
type ID uint32

// GenerateID draws a fresh random id; the caller is responsible for rejecting
// collisions against its catalog
func GenerateID() ID {
	return ID(rand.Uint32())
}

// ParseID parses the 8-hex-digit form
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil || len(s) != 8 {
		return 0, fail.New(fail.InvalidArgument, "invalid instance id %q", s)
	}
	return ID(n), nil
}

func (id ID) Hex() string {
	return fmt.Sprintf("%08x", uint32(id))
}

func (id ID) String() string {
	return id.Hex()
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Hex())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Status is the observed lifecycle state of an instance
type Status string

const (
	StatusRequested      Status = "requested"
	StatusResourcesReady Status = "resourcesReady"
	StatusCreated        Status = "created"
	StatusStopped        Status = "stopped"
	StatusRunning        Status = "running"
	StatusOrphaned       Status = "orphaned"
	StatusUnknown        Status = "unknown"
)

// NetworkAttachment records an instance's membership in one network. Element
// 0 of Instance.Networks is the default network.
type NetworkAttachment struct {
	NetworkName string `json:"networkName"`
	MacAddress  string `json:"macAddress,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
}

// USBDevice is a USB device passed through to the instance
type USBDevice struct {
	Device string `json:"device"`
	Pid    int    `json:"pid"`
	Port   string `json:"port"`
	Vendor string `json:"vendor"`
	Vid    int    `json:"vid"`
}

// Instance is a runnable specialisation of an App
type Instance struct {
	ID             ID                       `json:"instanceId"`
	Name           string                   `json:"instanceName"`
	AppKey         manifest.AppKey          `json:"appKey"`
	Status         Status                   `json:"status"`
	Desired        Status                   `json:"desired"`
	Networks       []NetworkAttachment      `json:"networks"`
	StartupOptions []manifest.StartupOption `json:"startupOptions,omitempty"`

	// Environment overrides the manifest env when non-nil; nil means
	// "inherit manifest env", not "empty"
	Environment *manifest.Environment `json:"environment,omitempty"`

	// Ports overrides the manifest port mappings when non-nil
	Ports *[]manifest.MappedPortRange `json:"ports,omitempty"`

	USBDevices []USBDevice `json:"usbDevices,omitempty"`

	// editorPorts maps container ports of non-proxy-aware editors onto the
	// host ports published for them. Sessions do not survive a restart, so
	// the map is never persisted.
	editorPorts map[uint16]uint16
}

// New builds an instance in the Requested state with a fresh id
func New(appKey manifest.AppKey, name string) *Instance {
	return &Instance{
		ID:      GenerateID(),
		Name:    name,
		AppKey:  appKey,
		Status:  StatusRequested,
		Desired: StatusCreated,
	}
}

// RegenerateID draws a new id after a collision
func (i *Instance) RegenerateID() {
	i.ID = GenerateID()
}

// ContainerName is the engine-side name of the instance's container
func (i *Instance) ContainerName() string {
	return "flecs-" + i.ID.Hex()
}

// VolumeName is the engine-side name of one of the instance's named volumes
func (i *Instance) VolumeName(manifestVolumeName string) string {
	return "flecs-" + i.ID.Hex() + "-" + manifestVolumeName
}

// Network returns the attachment with the given name
func (i *Instance) Network(name string) (*NetworkAttachment, bool) {
	for idx := range i.Networks {
		if i.Networks[idx].NetworkName == name {
			return &i.Networks[idx], true
		}
	}
	return nil, false
}

// IPAddress returns the instance's address on the default flecs network
func (i *Instance) IPAddress() string {
	if net, ok := i.Network("flecs"); ok {
		return net.IPAddress
	}
	return ""
}

// EditorPort looks up the published host port for a container port
func (i *Instance) EditorPort(containerPort uint16) (uint16, bool) {
	port, ok := i.editorPorts[containerPort]
	return port, ok
}

// SetEditorPort records a published host port for a container port
func (i *Instance) SetEditorPort(containerPort, hostPort uint16) {
	if i.editorPorts == nil {
		i.editorPorts = map[uint16]uint16{}
	}
	i.editorPorts[containerPort] = hostPort
}

// EditorPorts snapshots the editor port map
func (i *Instance) EditorPorts() map[uint16]uint16 {
	snapshot := make(map[uint16]uint16, len(i.editorPorts))
	for containerPort, hostPort := range i.editorPorts {
		snapshot[containerPort] = hostPort
	}
	return snapshot
}

// ClearEditorPorts drops all published editor ports
func (i *Instance) ClearEditorPorts() {
	i.editorPorts = nil
}

// SetEnvironment replaces the env overrides wholesale
func (i *Instance) SetEnvironment(env manifest.Environment) {
	i.Environment = &env
}

// ClearEnvironment restores manifest inheritance
func (i *Instance) ClearEnvironment() {
	i.Environment = nil
}

// SetPorts replaces the port overrides wholesale
func (i *Instance) SetPorts(ports []manifest.MappedPortRange) {
	i.Ports = &ports
}

// ClearPorts restores manifest inheritance
func (i *Instance) ClearPorts() {
	i.Ports = nil
}

// HasStartupOption reports whether the instance recorded the given option at
// create time
func (i *Instance) HasStartupOption(option manifest.StartupOption) bool {
	return manifest.HasStartupOption(i.StartupOptions, option)
}
