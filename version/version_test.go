package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCompatible(t *testing.T) {
	cases := []struct {
		name       string
		server     string
		client     string
		compatible bool
	}{
		{"identical", "2.1.0", "2.1.0", true},
		{"older client same major", "2.1.0", "2.0.3", true},
		{"newer client same major", "2.1.0", "2.9.0", true},
		{"major behind", "2.1.0", "1.9.0", false},
		{"major ahead", "2.1.0", "3.0.0", false},
		{"pre-1.0 same minor", "0.4.2", "0.4.0", true},
		{"pre-1.0 different minor", "0.4.2", "0.5.0", false},
		{"garbage client version", "2.1.0", "latest-and-greatest", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckCompatible(tc.server, tc.client)
			if tc.compatible {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestProtocolParses(t *testing.T) {
	assert.NoError(t, CheckCompatible(Protocol, Protocol))
}
