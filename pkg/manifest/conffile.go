package manifest

import (
	"encoding/json"
	"strings"

	"github.com/flecs-technologies/flecsd/pkg/fail"
)

// Conffile maps a local file name (materialised under the instance's conf
// directory) onto an absolute path inside the container. Serialised as
// "local:container[:mode]" where mode is ro or rw.
type Conffile struct {
	Local     string
	Container string
	ReadOnly  bool
}

// ParseConffile parses a manifest conffile string
func ParseConffile(s string) (Conffile, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Conffile{}, fail.New(fail.InvalidArgument, "invalid conffile %q", s)
	}
	c := Conffile{Local: parts[0], Container: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			c.ReadOnly = true
		case "rw":
		default:
			return Conffile{}, fail.New(fail.InvalidArgument, "invalid conffile mode %q", parts[2])
		}
	}
	if !c.IsValid() {
		return Conffile{}, fail.New(fail.InvalidArgument, "invalid conffile %q", s)
	}
	return c, nil
}

func (c Conffile) IsValid() bool {
	// the local part is a bare file name inside the instance's conf dir
	return c.Local != "" &&
		!strings.Contains(c.Local, "/") &&
		strings.HasPrefix(c.Container, "/")
}

func (c Conffile) String() string {
	s := c.Local + ":" + c.Container
	if c.ReadOnly {
		s += ":ro"
	}
	return s
}

func (c Conffile) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Conffile) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseConffile(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
