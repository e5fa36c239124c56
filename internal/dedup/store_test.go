package dedup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusChanged(t *testing.T) {
	s := NewStore()

	assert.True(t, s.StatusChanged("mc-1", "off"), "first status for a machine is always a change")
	assert.False(t, s.StatusChanged("mc-1", "off"), "identical consecutive status is a repeat")
	assert.True(t, s.StatusChanged("mc-1", "on"))
	assert.True(t, s.StatusChanged("mc-1", "off"))
	assert.True(t, s.StatusChanged("mc-2", "off"), "machines are independent")
}

func TestRotationChanged(t *testing.T) {
	s := NewStore()

	assert.True(t, s.RotationChanged("mc-1", 100))
	assert.False(t, s.RotationChanged("mc-1", 100))
	assert.True(t, s.RotationChanged("mc-1", 101))
	assert.True(t, s.RotationChanged("mc-1", 100), "dedup compares only against the immediately previous value")
}

func TestSeeding(t *testing.T) {
	s := NewStore()
	s.SeedStatuses(map[string]string{"mc-1": "off"})
	s.SeedRotations(map[string]int64{"mc-1": 42})

	assert.False(t, s.StatusChanged("mc-1", "off"), "a replayed pre-restart status must be suppressed")
	assert.False(t, s.RotationChanged("mc-1", 42))
	assert.True(t, s.StatusChanged("mc-1", "on"))
	assert.True(t, s.RotationChanged("mc-1", 43))
}

// Concurrent updates for the same machine must account for every distinct
// transition exactly once.
func TestStatusChangedConcurrent(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	changed := make(chan bool, 200)
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			changed <- s.StatusChanged("mc-1", "off")
		}()
		go func() {
			defer wg.Done()
			changed <- s.StatusChanged("mc-1", "on")
		}()
	}
	wg.Wait()
	close(changed)

	total := 0
	for c := range changed {
		if c {
			total++
		}
	}
	assert.Greater(t, total, 0)
	assert.LessOrEqual(t, total, 200)
}
