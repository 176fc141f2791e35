package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaffinator_FiresImmediatelyWhenIdle(t *testing.T) {
	fired := 0
	c := NewCaffinator(func() { fired++ })

	c.Caffinate()
	assert.Equal(t, 1, fired)
}

func TestCaffinator_FiresOnDrain(t *testing.T) {
	fired := 0
	c := NewCaffinator(func() { fired++ })

	c.RunStarted("run-1")
	c.RunStarted("run-2")
	c.Caffinate()
	assert.Zero(t, fired, "must wait for the drain")

	c.RunFinished("run-1")
	assert.Zero(t, fired)

	c.RunFinished("run-2")
	assert.Equal(t, 1, fired)
}

func TestCaffinator_FiresExactlyOnce(t *testing.T) {
	fired := 0
	c := NewCaffinator(func() { fired++ })

	c.Caffinate()
	c.Caffinate()
	c.RunStarted("run-1")
	c.RunFinished("run-1")

	assert.Equal(t, 1, fired)
}

func TestCaffinator_NoFireWithoutArming(t *testing.T) {
	fired := 0
	c := NewCaffinator(func() { fired++ })

	c.RunStarted("run-1")
	c.RunFinished("run-1")
	assert.Zero(t, fired)
}

func TestCaffinator_RunningCount(t *testing.T) {
	c := NewCaffinator(func() {})
	c.RunStarted("a")
	c.RunStarted("b")
	assert.Equal(t, 2, c.RunningCount())
	c.RunFinished("a")
	assert.Equal(t, 1, c.RunningCount())
}
