package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWeight(t *testing.T) {
	tests := []struct {
		name     string
		success  int
		failure  int
		expected float64
	}{
		{"fresh record", 0, 0, 0},
		{"one success", 1, 0, 0.5},
		{"one failure", 0, 1, 0},
		{"nine to one", 9, 0, 0.9},
		{"mixed", 3, 1, 0.6},
		{"heavy failures", 1, 8, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Relay{SuccessCount: tt.success, FailureCount: tt.failure}
			assert.InDelta(t, tt.expected, r.Weight(), 1e-9)
		})
	}
}

func TestWeightAlwaysBelowOne(t *testing.T) {
	r := Relay{SuccessCount: 1000000}
	assert.Less(t, r.Weight(), 1.0)
	assert.GreaterOrEqual(t, r.Weight(), 0.0)
}

func TestProxyURL(t *testing.T) {
	r := Relay{Address: "10.1.2.3", Port: 8080}
	assert.Equal(t, "http://10.1.2.3:8080", r.ProxyURL())
	assert.Equal(t, "10.1.2.3:8080", r.HostPort())
}
