package vec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVec3_Basics(t *testing.T) {
	a := New(1, 2, 3)
	b := New(4, 6, 3)

	assert.Equal(t, New(5, 8, 6), a.Add(b))
	assert.Equal(t, New(-3, -4, 0), a.Sub(b))
	assert.InDelta(t, 5.0, a.DistanceTo(b), 1e-9)
	assert.True(t, a.Equals(New(1, 2, 3)))
	assert.False(t, a.IsZero())
	assert.True(t, Zero.IsZero())
	assert.Equal(t, "(1, 2, 3)", a.String())
}
