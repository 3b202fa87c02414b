package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmkit/knowledge/engine/core"
)

func TestID(t *testing.T) {
	t.Run("Should report zero only for the empty id", func(t *testing.T) {
		var zero core.ID
		assert.True(t, zero.IsZero())
		assert.False(t, core.ID("session-1").IsZero())
		assert.Equal(t, "session-1", core.ID("session-1").String())
	})
}

func TestNewID(t *testing.T) {
	t.Run("Should generate unique parseable ids", func(t *testing.T) {
		id1, err := core.NewID()
		require.NoError(t, err)
		id2 := core.MustNewID()
		assert.NotEqual(t, id1, id2)
		parsed, err := core.ParseID(id1.String())
		require.NoError(t, err)
		assert.Equal(t, id1, parsed)
	})
}

func TestParseID(t *testing.T) {
	t.Run("Should reject malformed input", func(t *testing.T) {
		for _, input := range []string{"", "not-a-valid-ksuid", "!@#$%^&*()"} {
			id, err := core.ParseID(input)
			assert.Error(t, err, input)
			assert.True(t, id.IsZero())
		}
	})
}
