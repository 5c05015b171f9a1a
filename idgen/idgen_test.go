package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/config"
)

func TestNewGenerator(t *testing.T) {
	_, err := NewGenerator(config.SnowflakeConfig{Type: "uuid"})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = NewGenerator(config.SnowflakeConfig{Type: "sonyflake", MachineID: 70000})
	assert.ErrorIs(t, err, ErrInvalidMachineID)

	_, err = NewGenerator(config.SnowflakeConfig{Type: "sonyflake", StartTime: "01/02/2024"})
	assert.ErrorIs(t, err, ErrParseTime)
}

func TestSonyflakeIDsAreUniqueAndIncreasing(t *testing.T) {
	g, err := NewGenerator(config.SnowflakeConfig{Type: "sonyflake", StartTime: "2024-01-01", MachineID: 7})
	require.NoError(t, err)

	prev := int64(0)
	seen := make(map[int64]struct{})
	for range 500 {
		id := g.Generate()
		require.Positive(t, id)
		assert.Greater(t, id, prev)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
		prev = id
	}
}

func TestGenTraceID(t *testing.T) {
	a, b := GenTraceID(), GenTraceID()
	assert.True(t, strings.HasPrefix(a, "T"))
	assert.NotEqual(t, a, b)
}

func TestRandomHex(t *testing.T) {
	s, err := RandomHex(8)
	require.NoError(t, err)
	assert.Len(t, s, 16)
}
