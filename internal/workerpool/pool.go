// Package workerpool provides the bounded goroutine pool the Learner uses
// to fan a Confirm broadcast out to peers without spinning up one
// goroutine per peer per instance (spec.md §11 DOMAIN STACK). It is
// deliberately minimal: a fixed number of workers pulling off one job
// channel, built on stdlib sync/channels (see DESIGN.md for why no pack
// dependency covers this concern better — the jobs here are single-shot
// callbacks, not a queueing system with backpressure policy or retries).
package workerpool

import "sync"

// Pool runs submitted jobs on a fixed number of worker goroutines.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// New starts a Pool with n workers. n <= 0 is treated as 1.
func New(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{jobs: make(chan func(), n*4)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit enqueues job for execution. It blocks if every worker is busy and
// the internal queue is full.
func (p *Pool) Submit(job func()) {
	p.jobs <- job
}

// Close stops accepting new jobs and waits for in-flight and queued jobs to
// finish.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
