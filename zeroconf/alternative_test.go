//go:build test_unit

package zeroconf

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestAlternativeServiceName(t *testing.T) {
	cases := map[string]string{
		"cam":       "cam (2)",
		"cam (2)":   "cam (3)",
		"cam1":      "cam1 (2)",
		"cam (9)":   "cam (10)",
		"cam (0)":   "cam (0) (2)",
		"cam(2)":    "cam(2) (2)",
		"":          " (2)",
		"a (b) (4)": "a (b) (5)",
	}

	for in, out := range cases {
		assert.Equal(t, out, AlternativeServiceName(in), "alternative of %q", in)
	}
}

func TestAlternativeServiceNameChain(t *testing.T) {
	seen := map[string]bool{}

	name := "living room"
	for i := 0; i < 20; i++ {
		seen[name] = true
		name = AlternativeServiceName(name)
		assert.False(t, seen[name], "name %q repeated", name)
	}

	assert.Equal(t, "living room (21)", name)
}

func TestAlternativeServiceNameLength(t *testing.T) {
	long := strings.Repeat("è", 40)

	alt := AlternativeServiceName(long)
	assert.LessOrEqual(t, len(alt), maxServiceNameLength)
	assert.True(t, utf8.ValidString(alt))
	assert.True(t, strings.HasSuffix(alt, " (2)"))
	assert.NotEqual(t, long, alt)
}
