// Package deployment abstracts the container engine that realises instances.
// The operation set is a capability interface so alternate engines can be
// added without touching the orchestration layers; the concrete
// implementation drives the docker CLI.
package deployment

import (
	"encoding/json"

	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
)

// NetworkType is the driver class of an engine network
type NetworkType int

const (
	NetworkTypeNone NetworkType = iota
	NetworkTypeInternal
	NetworkTypeBridge
	NetworkTypeMACVLAN
	NetworkTypeIPVLANL2
	NetworkTypeIPVLANL3
	NetworkTypeUnknown
)

// NetworkTypeFromString parses the engine's driver string, with ipvlan modes
// suffixed as ipvlan_l2 / ipvlan_l3
func NetworkTypeFromString(s string) NetworkType {
	switch s {
	case "none":
		return NetworkTypeNone
	case "internal":
		return NetworkTypeInternal
	case "bridge":
		return NetworkTypeBridge
	case "macvlan":
		return NetworkTypeMACVLAN
	case "ipvlan_l2":
		return NetworkTypeIPVLANL2
	case "ipvlan_l3":
		return NetworkTypeIPVLANL3
	}
	return NetworkTypeUnknown
}

func (t NetworkType) String() string {
	switch t {
	case NetworkTypeNone:
		return "none"
	case NetworkTypeInternal:
		return "internal"
	case NetworkTypeBridge:
		return "bridge"
	case NetworkTypeMACVLAN:
		return "macvlan"
	case NetworkTypeIPVLANL2:
		return "ipvlan_l2"
	case NetworkTypeIPVLANL3:
		return "ipvlan_l3"
	}
	return "unknown"
}

func (t NetworkType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *NetworkType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = NetworkTypeFromString(s)
	return nil
}

// Network describes an engine network we manage
type Network struct {
	Name       string      `json:"name"`
	Type       NetworkType `json:"type"`
	CidrSubnet string      `json:"cidrSubnet"`
	Gateway    string      `json:"gateway"`
	Parent     string      `json:"parent,omitempty"`
}

// Token carries registry credentials for pulling a licensed app image
type Token struct {
	Username string
	Password string
}

// ManifestSource resolves app keys to manifests; the manifest store fulfils
// it at wire time
type ManifestSource interface {
	Query(key manifest.AppKey) (*manifest.Manifest, bool)
}

// Deployment is the capability set a container engine has to offer to run
// app instances. Every operation is a single atomic engine invocation from
// the caller's view; partial success is reported as failure and the caller
// is responsible for rollback or recording.
type Deployment interface {
	DeploymentID() string

	Load(baseDir string) error
	Save(baseDir string) error

	// images
	DownloadApp(m *manifest.Manifest, token *Token) error
	DeleteApp(m *manifest.Manifest) error
	ImportApp(m *manifest.Manifest, archive string) error
	ExportApp(m *manifest.Manifest, archive string) error
	AppSize(m *manifest.Manifest) (int64, error)

	// instance catalog
	Instances() []*instance.Instance
	InstanceIDs(filter manifest.AppKey) []instance.ID
	QueryInstance(id instance.ID) (*instance.Instance, bool)
	HasInstance(id instance.ID) bool
	InsertInstance(inst *instance.Instance) *instance.Instance
	RemoveInstanceRecord(id instance.ID)

	// instance lifecycle
	CreateInstance(key manifest.AppKey, m *manifest.Manifest, name string) (*instance.Instance, error)
	DeleteInstance(inst *instance.Instance) error
	StartInstance(inst *instance.Instance) error
	ReadyInstance(inst *instance.Instance) error
	StopInstance(inst *instance.Instance) error
	IsInstanceRunning(inst *instance.Instance) bool
	IsInstanceRunnable(inst *instance.Instance) bool
	ExportInstance(inst *instance.Instance, destDir string) error
	ImportInstance(inst *instance.Instance, baseDir string) error
	Logs(inst *instance.Instance) (stdout string, stderr string, err error)

	// networks
	Networks() ([]Network, error)
	CreateNetwork(networkType NetworkType, name, cidrSubnet, gateway, parentAdapter string) error
	QueryNetwork(name string) (Network, bool)
	DeleteNetwork(name string) error
	ConnectNetwork(inst *instance.Instance, network, ip string) error
	DisconnectNetwork(inst *instance.Instance, network string) error
	DefaultNetwork() Network

	// volumes
	CreateVolumes(inst *instance.Instance) error
	CreateVolume(inst *instance.Instance, volumeName string) error
	DeleteVolumes(inst *instance.Instance) error
	DeleteVolume(inst *instance.Instance, volumeName string) error
	ExportVolumes(inst *instance.Instance, destDir string) error
	ImportVolumes(inst *instance.Instance, srcDir string) error

	// files
	CopyFileFromImage(image, file, dest string) error
	CopyFileToInstance(inst *instance.Instance, file, dest string) error
	CopyFileFromInstance(inst *instance.Instance, file, dest string) error
	ExportConfigFiles(inst *instance.Instance, destDir string) error
	ImportConfigFiles(inst *instance.Instance, baseDir string) error

	// allocation
	GenerateInstanceIP(cidrSubnet, gateway string) (string, error)
	HostPortsCollide(portRange manifest.PortRange) bool
}
