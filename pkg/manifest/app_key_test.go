package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppName(t *testing.T) {
	type scenario struct {
		name  string
		valid bool
	}

	scenarios := []scenario{
		{"tech.flecs.test-app", true},
		{"tech.flecs.app2", true},
		{"io.anyvendor.some.deeply.nested.app", true},
		{"", false},
		{"tech", false},
		{"tech.flecs.", false},
		{"Tech.Flecs.App", false},
		{"tech.flecs.-app", false},
		{"tech.flecs.app-", false},
		{"tech.flecs." + strings.Repeat("a", 128), false},
	}

	for _, s := range scenarios {
		assert.Equal(t, s.valid, NewAppName(s.name).IsValid(), s.name)
	}
}

func TestAppKey(t *testing.T) {
	assert.True(t, NewAppKey("tech.flecs.test-app", "1.2.3").IsValid())
	assert.False(t, NewAppKey("tech.flecs.test-app", "").IsValid())
	assert.False(t, NewAppKey("not a name", "1.2.3").IsValid())

	assert.Error(t, NewAppKey("bad", "1.0").Validate())
	assert.NoError(t, NewAppKey("tech.flecs.test-app", "1.0").Validate())
}

func TestAppKeyOrdering(t *testing.T) {
	a := NewAppKey("tech.flecs.app1", "1.0.0")
	b := NewAppKey("tech.flecs.app1", "2.0.0")
	c := NewAppKey("tech.flecs.app2", "1.0.0")

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
}
