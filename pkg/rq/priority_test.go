package rq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.True(t, PriorityNone.Valid())
		assert.True(t, PriorityHigh.Valid())
		assert.False(t, Priority(4).Valid())
	})

	t.Run("Parse", func(t *testing.T) {
		for name, want := range map[string]Priority{
			"none":   PriorityNone,
			"low":    PriorityLow,
			"normal": PriorityNormal,
			"high":   PriorityHigh,
			"":       PriorityNormal,
		} {
			got, err := ParsePriority(name)
			require.NoError(t, err, "input %q", name)
			assert.Equal(t, want, got, "input %q", name)
		}

		_, err := ParsePriority("urgent")
		assert.ErrorIs(t, err, ErrInvalidPriority)
	})

	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "normal", PriorityNormal.String())
		assert.Equal(t, "priority(9)", Priority(9).String())
	})
}
