package manifest

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/flecs-technologies/flecsd/pkg/fail"
)

var envKeyRegex = regexp.MustCompile(`^[a-zA-Z_]+[a-zA-Z0-9_]*$`)

// EnvVar is a single KEY=VALUE environment mapping. Serialised as the plain
// "KEY=VALUE" string in manifests.
type EnvVar struct {
	Var   string
	Value string
}

// ParseEnvVar splits "KEY=VALUE" and validates the key
func ParseEnvVar(s string) (EnvVar, error) {
	key, value, _ := strings.Cut(s, "=")
	env := EnvVar{Var: key, Value: value}
	if !env.IsValid() {
		return EnvVar{}, fail.New(fail.InvalidArgument, "invalid environment variable %q", s)
	}
	return env, nil
}

func (e EnvVar) IsValid() bool {
	return envKeyRegex.MatchString(e.Var)
}

func (e EnvVar) String() string {
	return e.Var + "=" + e.Value
}

func (e EnvVar) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *EnvVar) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEnvVar(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Environment is an ordered set of env vars with unique keys
type Environment []EnvVar

// Set inserts or replaces the variable with the given key
func (env *Environment) Set(v EnvVar) {
	for i, existing := range *env {
		if existing.Var == v.Var {
			(*env)[i] = v
			return
		}
	}
	*env = append(*env, v)
}

// Validate fails when a key appears twice or any entry is malformed
func (env Environment) Validate() error {
	seen := map[string]bool{}
	for _, v := range env {
		if !v.IsValid() {
			return fail.New(fail.InvalidArgument, "invalid environment variable %q", v.Var)
		}
		if seen[v.Var] {
			return fail.New(fail.InvalidArgument, "duplicate variable in environment: %s", v.Var)
		}
		seen[v.Var] = true
	}
	return nil
}

// Label is a container label, either bare "key" or "key=value"
type Label struct {
	Var   string
	Value string
}

var labelKeyRegex = regexp.MustCompile(`^[a-z](?:[a-z0-9.-]*[a-z0-9])?$`)

// ParseLabel splits "key=value" and validates the key
func ParseLabel(s string) (Label, error) {
	key, value, _ := strings.Cut(s, "=")
	label := Label{Var: key, Value: value}
	if !label.IsValid() {
		return Label{}, fail.New(fail.InvalidArgument, "invalid label %q", s)
	}
	return label, nil
}

func (l Label) IsValid() bool {
	return labelKeyRegex.MatchString(l.Var)
}

func (l Label) String() string {
	if l.Value == "" {
		return l.Var
	}
	return l.Var + "=" + l.Value
}

func (l Label) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Label) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLabel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
