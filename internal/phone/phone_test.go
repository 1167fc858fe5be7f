package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonical(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"formatted nanp", "+1 (555) 010-0199", "+15550100199"},
		{"dots and dashes", "+1-555.010.0199", "+15550100199"},
		{"double zero prefix", "0044 20 7946 0958", "+442079460958"},
		{"bare digits get a plus", "15550100199", "+15550100199"},
		{"surrounding whitespace", "  +15550100199  ", "+15550100199"},
		{"anonymous caller unchanged", "anonymous", "anonymous"},
		{"sip endpoint unchanged", "sip:agent@pbx.example.com", "sip:agent@pbx.example.com"},
		{"empty", "", ""},
		{"lone plus unchanged", "+", "+"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Canonical(tc.in))
		})
	}
}

func TestSame(t *testing.T) {
	assert.True(t, Same("+1 (555) 010-0199", "15550100199"))
	assert.True(t, Same("0044 20 7946 0958", "+44 20 7946 0958"))
	assert.False(t, Same("+15550100199", "+15550100200"))
}
