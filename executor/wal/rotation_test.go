package wal

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRotationManager(t *testing.T) {
	cfg := Config{SegmentSize: 64, RotationThreshold: 256}
	r := NewRotationManager(cfg, 7)

	assert.False(t, r.ShouldRotate(255))
	assert.True(t, r.ShouldRotate(256))
	assert.Equal(t, uint64(8), r.NextVersion())
	assert.Equal(t, uint64(8), r.LastVersion())

	r.Observe(5)
	assert.Equal(t, uint64(8), r.LastVersion())
	r.Observe(11)
	assert.Equal(t, uint64(12), r.NextVersion())

	assert.True(t, errors.Is(r.SetRotationSize(100), ErrInvalidConfig))
	assert.Equal(t, uint64(256), r.RotationSize())

	assert.Nil(t, r.SetRotationSize(0))
	assert.False(t, r.ShouldRotate(1<<62))
}

func TestRotationManagerCheckpointed(t *testing.T) {
	r := NewRotationManager(Config{SegmentSize: 64}, 0)
	assert.Equal(t, uint64(0), r.OldestNeeded())

	r.Checkpointed(LogPosition{Version: 3, Offset: 64})
	r.Checkpointed(LogPosition{Version: 2, Offset: 900})
	assert.Equal(t, uint64(3), r.OldestNeeded())
}

func TestRotationManagerVersionsAreUnique(t *testing.T) {
	r := NewRotationManager(Config{SegmentSize: 64}, 0)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint64]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := r.NextVersion()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
	assert.Equal(t, uint64(800), r.LastVersion())
}
