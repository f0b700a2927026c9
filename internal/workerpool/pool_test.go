package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsAllSubmittedJobs(t *testing.T) {
	p := New(4)
	defer p.Close()

	const n = 50
	var count int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt32(&count, 1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(n), atomic.LoadInt32(&count))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	defer p.Close()

	var inFlight, maxSeen int32
	var wg sync.WaitGroup
	wg.Add(6)
	for i := 0; i < 6; i++ {
		p.Submit(func() {
			defer wg.Done()
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if cur <= m || atomic.CompareAndSwapInt32(&maxSeen, m, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

func TestPoolNonPositiveSizeTreatedAsOne(t *testing.T) {
	p := New(0)
	defer p.Close()

	done := make(chan struct{}, 1)
	p.Submit(func() { done <- struct{}{} })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job submitted to a zero-sized pool never ran")
	}
}

func TestPoolCloseWaitsForInFlightJobs(t *testing.T) {
	p := New(1)
	var ran int32
	p.Submit(func() {
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&ran, 1)
	})
	p.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
