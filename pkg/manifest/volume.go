package manifest

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/flecs-technologies/flecsd/pkg/fail"
)

// VolumeKind distinguishes engine-managed named volumes from host bind mounts
type VolumeKind int

const (
	VolumeKindVolume VolumeKind = iota
	VolumeKindBind
)

var volumeNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Volume is a manifest volume entry: named "name:/path" or bind
// "/host:/path". Host holds the volume name for named volumes and the host
// path for binds.
type Volume struct {
	Kind      VolumeKind
	Host      string
	Container string
}

// ParseVolume parses a manifest volume string
func ParseVolume(s string) (Volume, error) {
	host, container, ok := strings.Cut(s, ":")
	if !ok {
		return Volume{}, fail.New(fail.InvalidArgument, "invalid volume %q", s)
	}
	v := Volume{Host: host, Container: container}
	if strings.HasPrefix(host, "/") {
		v.Kind = VolumeKindBind
	}
	if !v.IsValid() {
		return Volume{}, fail.New(fail.InvalidArgument, "invalid volume %q", s)
	}
	return v, nil
}

func (v Volume) IsValid() bool {
	if !strings.HasPrefix(v.Container, "/") {
		return false
	}
	switch v.Kind {
	case VolumeKindBind:
		return strings.HasPrefix(v.Host, "/")
	default:
		return volumeNameRegex.MatchString(v.Host)
	}
}

func (v Volume) String() string {
	return v.Host + ":" + v.Container
}

func (v Volume) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Volume) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVolume(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
