package deployment

import (
	"testing"

	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/stretchr/testify/assert"
)

func TestGenerateIP(t *testing.T) {
	type scenario struct {
		cidr     string
		gateway  string
		used     []string
		expected string
		fails    bool
	}

	scenarios := []scenario{
		{
			cidr:     "172.20.0.0/24",
			gateway:  "172.20.0.1",
			used:     nil,
			expected: "172.20.0.2",
		},
		{
			cidr:     "172.20.0.0/24",
			gateway:  "172.20.0.1",
			used:     []string{"172.20.0.2", "172.20.0.3"},
			expected: "172.20.0.4",
		},
		{
			cidr:     "172.21.0.0/16",
			gateway:  "172.21.0.1",
			used:     nil,
			expected: "172.21.0.2",
		},
		{
			// gateway outside the usual spot is skipped too
			cidr:     "10.0.0.0/24",
			gateway:  "10.0.0.2",
			used:     nil,
			expected: "10.0.0.3",
		},
		{
			cidr:    "172.20.0.0/32",
			gateway: "",
			fails:   true,
		},
		{
			// /30: base+2 is the broadcast-1... base .0, broadcast .3, max .2
			cidr:     "172.20.0.0/30",
			gateway:  "",
			expected: "172.20.0.2",
		},
		{
			cidr:    "172.20.0.0/30",
			gateway: "172.20.0.2",
			fails:   true,
		},
		{
			cidr:  "not-a-subnet",
			fails: true,
		},
	}

	for _, s := range scenarios {
		actual, err := generateIP(s.cidr, s.gateway, s.used)
		if s.fails {
			assert.Error(t, err, s.cidr)
			continue
		}
		assert.NoError(t, err, s.cidr)
		assert.Equal(t, s.expected, actual, s.cidr)
	}
}

func TestGenerateIPExhaustedKind(t *testing.T) {
	_, err := generateIP("172.20.0.0/32", "", nil)
	assert.True(t, fail.IsKind(err, fail.Exhausted))

	_, err = generateIP("garbage", "", nil)
	assert.True(t, fail.IsKind(err, fail.InvalidArgument))
}

func TestTransferIP(t *testing.T) {
	ip, err := transferIP("10.1.2.0/24", "172.21.0.5")
	assert.NoError(t, err)
	assert.Equal(t, "10.1.2.5", ip)

	ip, err = transferIP("192.168.0.0/16", "172.21.3.7")
	assert.NoError(t, err)
	assert.Equal(t, "192.168.3.7", ip)

	_, err = transferIP("garbage", "172.21.0.5")
	assert.Error(t, err)
}
