package manifest

import (
	"fmt"
	"regexp"

	"github.com/flecs-technologies/flecsd/pkg/fail"
)

// MaxAppNameLen is the longest app name we accept
const MaxAppNameLen = 127

var appNameRegex = regexp.MustCompile(
	`^[a-z]+\.(([a-z0-9]|[a-z0-9][a-z0-9-]*[a-z0-9])\.)+([a-z0-9]|[a-z0-9][a-z0-9-]*[a-z0-9])$`)

// AppName is a validated reverse-DNS app identifier such as tech.flecs.demo.
// The zero value is invalid.
type AppName struct {
	name string
}

// NewAppName validates and wraps an app name; invalid input yields the
// (invalid) zero value
func NewAppName(name string) AppName {
	if len(name) <= MaxAppNameLen && appNameRegex.MatchString(name) {
		return AppName{name: name}
	}
	return AppName{}
}

func (n AppName) IsValid() bool {
	return n.name != ""
}

func (n AppName) String() string {
	return n.name
}

// AppKey identifies an app as (name, version). Only valid keys may index any
// store.
type AppKey struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewAppKey builds an AppKey without validating it; call IsValid before using
// it as an index
func NewAppKey(name, version string) AppKey {
	return AppKey{Name: name, Version: version}
}

// IsValid reports whether both parts parse
func (k AppKey) IsValid() bool {
	return NewAppName(k.Name).IsValid() && k.Version != ""
}

// Validate returns a typed error for invalid keys
func (k AppKey) Validate() error {
	if !k.IsValid() {
		return fail.New(fail.InvalidArgument, "invalid app key %s", k)
	}
	return nil
}

// Less orders keys lexicographically by (name, version)
func (k AppKey) Less(other AppKey) bool {
	if k.Name != other.Name {
		return k.Name < other.Name
	}
	return k.Version < other.Version
}

func (k AppKey) String() string {
	return fmt.Sprintf("%s (%s)", k.Name, k.Version)
}
