package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocType(t *testing.T) {
	t.Run("accepts every known category", func(t *testing.T) {
		for _, want := range AllDocTypes {
			got, err := ParseDocType(want.String())
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.True(t, got.IsValid())
		}
	})

	t.Run("rejects unknown and mis-cased input", func(t *testing.T) {
		for _, raw := range []string{"", "deed", "Will", "WILL", "pet trust"} {
			_, err := ParseDocType(raw)
			assert.Error(t, err, "input %q", raw)
		}
	})

	t.Run("a cast value can still be invalid", func(t *testing.T) {
		assert.False(t, DocType("deed").IsValid())
	})
}

func TestParseStateCode(t *testing.T) {
	t.Run("accepts two uppercase letters", func(t *testing.T) {
		for _, raw := range []string{"CA", "TX", "NY", "PR"} {
			got, err := ParseStateCode(raw)
			require.NoError(t, err)
			assert.Equal(t, raw, got.String())
		}
	})

	t.Run("rejects anything else", func(t *testing.T) {
		for _, raw := range []string{"", "C", "CAL", "ca", "Ca", "C4", "c@"} {
			_, err := ParseStateCode(raw)
			assert.Error(t, err, "input %q", raw)
		}
	})

	t.Run("zero value is nil", func(t *testing.T) {
		assert.True(t, StateCode("").IsNil())
		assert.False(t, StateCode("CA").IsNil())
	})
}
