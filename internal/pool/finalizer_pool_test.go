package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFinalizerPoolRunsEverything(t *testing.T) {
	p := NewFinalizerPool(2, 4)

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Enqueue(func() {
			defer wg.Done()
			ran.Add(1)
		})
	}
	wg.Wait()
	p.Close()

	assert.Equal(t, int64(100), ran.Load())
}

func TestFinalizerPoolNeverBlocks(t *testing.T) {
	p := NewFinalizerPool(1, 1)
	defer p.Close()

	release := make(chan struct{})
	var wg sync.WaitGroup

	// saturate the single worker and its queue
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Enqueue(func() {
			defer wg.Done()
			<-release
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Add(1)
		p.Enqueue(func() {
			defer wg.Done()
			<-release
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked with full queues")
	}

	close(release)
	wg.Wait()

	_, fallbacks := p.Stats()
	assert.Greater(t, fallbacks, int64(0), "overflow must spill to fallback goroutines")
}

func TestFinalizerPoolPanicIsolated(t *testing.T) {
	p := NewFinalizerPool(1, 4)
	defer p.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	p.Enqueue(func() { defer wg.Done(); panic("settlement bug") })
	p.Enqueue(func() { wg.Done() })
	wg.Wait()
}

func TestFinalizerPoolEnqueueAfterClose(t *testing.T) {
	p := NewFinalizerPool(1, 1)
	p.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	p.Enqueue(func() { wg.Done() })
	wg.Wait()
}
