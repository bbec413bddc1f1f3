package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexNumber(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"graylog_0", 0, true},
		{"graylog_42", 42, true},
		{"graylog_deflector", 0, false},
		{"graylog_", 0, false},
		{"graylog_-1", 0, false},
		{"other_3", 0, false},
		{"graylog_x_3", 0, false},
	}

	for _, tt := range tests {
		n, ok := IndexNumber("graylog", tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.want, n, tt.name)
	}
}

func TestIndexOrdinal(t *testing.T) {
	n, ok := IndexOrdinal("graylog_x_3")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = IndexOrdinal("graylog")
	assert.False(t, ok)

	assert.Equal(t, "graylog_7", IndexName("graylog", 7))
}
