package identifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New("share")
	assert.True(t, IsKind(id, "share"))
	assert.Equal(t, "share", Kind(id))
	assert.NotEqual(t, id, New("share"))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind("not-an-identifier"))
	assert.Equal(t, "", Kind(""))
	assert.False(t, IsKind(New("token"), "share"))
}
