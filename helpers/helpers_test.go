package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"30s", 30 * time.Second},
		{"10m", 10 * time.Minute},
		{"12h", 12 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
		{"1.5d", 36 * time.Hour},
		{" 7d ", 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		d, err := ParseDuration(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.expected, d, "input %q", tt.input)
	}

	for _, bad := range []string{"", "abc", "30x", "d"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseHostPort(t *testing.T) {
	host, port, err := ParseHostPort("1.2.3.4:8080")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", host)
	assert.Equal(t, 8080, port)

	host, port, err = ParseHostPort(" proxy.example:3128 ")
	require.NoError(t, err)
	assert.Equal(t, "proxy.example", host)
	assert.Equal(t, 3128, port)

	for _, bad := range []string{"", "no-port", "1.2.3.4:", ":8080", "1.2.3.4:0", "1.2.3.4:70000", "1.2.3.4:abc"} {
		_, _, err := ParseHostPort(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1024", 1024},
		{"4kb", 4 * 1024},
		{"256mb", 256 * 1024 * 1024},
		{"1gb", 1024 * 1024 * 1024},
		{"512b", 512},
		{"256MB", 256 * 1024 * 1024},
	}
	for _, tt := range tests {
		n, err := ParseSize(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.expected, n, "input %q", tt.input)
	}

	for _, bad := range []string{"", "abc", "-5mb"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
