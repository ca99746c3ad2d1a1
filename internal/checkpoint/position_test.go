package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionClone_Independent(t *testing.T) {
	pos := Position{0: 10, 1: 20}

	clone := pos.Clone()
	clone[0] = 99
	clone[2] = 30

	assert.Equal(t, int64(10), pos[0])
	assert.NotContains(t, pos, 2)
}

func TestPositionClone_Empty(t *testing.T) {
	assert.Empty(t, Position{}.Clone())
	assert.Empty(t, Position(nil).Clone())
}
