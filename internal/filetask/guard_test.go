package filetask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequeueGuard_AllowsOneFreeRequeue(t *testing.T) {
	g := NewRequeueGuard()

	assert.False(t, g.Consume("a.txt"))
	assert.True(t, g.Consume("a.txt"))
	assert.True(t, g.Consume("a.txt"))
}

func TestRequeueGuard_IndependentPerName(t *testing.T) {
	g := NewRequeueGuard()

	assert.False(t, g.Consume("a.txt"))
	assert.False(t, g.Consume("b.txt"))
}
