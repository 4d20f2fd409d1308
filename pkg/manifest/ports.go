package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/flecs-technologies/flecsd/pkg/fail"
)

// PortRange is an inclusive range of ports. The zero value stands for "let
// the engine choose".
type PortRange struct {
	Start uint16
	End   uint16
}

// ParsePortRange accepts "80" or "8080-8090"
func ParsePortRange(s string) (PortRange, error) {
	start, end, err := nat.ParsePortRange(s)
	if err != nil {
		return PortRange{}, fail.New(fail.InvalidArgument, "invalid port range %q: %s", s, err)
	}
	return PortRange{Start: uint16(start), End: uint16(end)}, nil
}

// IsEmpty reports whether the range stands for "engine chooses"
func (r PortRange) IsEmpty() bool {
	return r.Start == 0 && r.End == 0
}

// Size is the number of ports in the range
func (r PortRange) Size() int {
	if r.IsEmpty() {
		return 0
	}
	return int(r.End) - int(r.Start) + 1
}

// CollidesWith reports whether the two ranges overlap
func (r PortRange) CollidesWith(other PortRange) bool {
	if r.IsEmpty() || other.IsEmpty() {
		return false
	}
	return r.Start <= other.End && other.Start <= r.End
}

func (r PortRange) String() string {
	if r.IsEmpty() {
		return ""
	}
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// MappedPortRange maps a host port range onto a container port range.
// Serialised as "host:container" ("8080:80", "5000-5005:5000-5005") or a bare
// range applying to both sides.
type MappedPortRange struct {
	Host      PortRange
	Container PortRange
}

// ParseMappedPortRange parses a manifest port entry
func ParseMappedPortRange(s string) (MappedPortRange, error) {
	hostPart, containerPart, mapped := strings.Cut(s, ":")
	if !mapped {
		containerPart = hostPart
	}
	host, err := ParsePortRange(hostPart)
	if err != nil {
		return MappedPortRange{}, err
	}
	container, err := ParsePortRange(containerPart)
	if err != nil {
		return MappedPortRange{}, err
	}
	if host.Size() != container.Size() {
		return MappedPortRange{}, fail.New(fail.InvalidArgument,
			"port ranges differ in size in %q", s)
	}
	return MappedPortRange{Host: host, Container: container}, nil
}

func (m MappedPortRange) IsValid() bool {
	return !m.Container.IsEmpty() &&
		(m.Host.IsEmpty() || m.Host.Size() == m.Container.Size())
}

func (m MappedPortRange) String() string {
	return m.Host.String() + ":" + m.Container.String()
}

func (m MappedPortRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *MappedPortRange) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	// a serialised empty host range reads back as ":container"
	if strings.HasPrefix(s, ":") {
		container, err := ParsePortRange(s[1:])
		if err != nil {
			return err
		}
		*m = MappedPortRange{Container: container}
		return nil
	}
	parsed, err := ParseMappedPortRange(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
