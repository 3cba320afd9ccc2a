package verify

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relaydown/bulkfetch/internal/record"
)

// Pool bounds the number of digest computations running concurrently,
// so the coordinator can request verification for many files at once
// without starving the transport layer's own goroutines for CPU.
// Grounded on the teacher's use of golang.org/x/sync/errgroup paired
// with a semaphore.Weighted cap for its own download fan-out.
type Pool struct {
	verifier *Verifier
	sem      *semaphore.Weighted
}

// NewPool builds a Pool with the given worker count. workers <= 0 means
// runtime.NumCPU(), with a floor of 4 per spec section 5's default.
func NewPool(verifier *Verifier, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 4 {
			workers = 4
		}
	}

	return &Pool{verifier: verifier, sem: semaphore.NewWeighted(int64(workers))}
}

// Task is one verification request submitted to VerifyAll.
type Task struct {
	Name     string
	Path     string
	Expected record.Digest
}

// Result is the outcome of one Task.
type Result struct {
	Name   string
	Digest string
	Err    error
}

// VerifyAll runs every task through the bounded pool concurrently,
// returning one Result per task in submission order. A per-task error
// (MismatchError or UnavailableError) does not cancel the others.
func (p *Pool) VerifyAll(ctx context.Context, tasks []Task) ([]Result, error) {
	results := make([]Result, len(tasks))

	g, ctx := errgroup.WithContext(ctx)

	for i, task := range tasks {
		i, task := i, task

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return results, err
		}

		g.Go(func() error {
			defer p.sem.Release(1)

			digest, err := p.verifier.Verify(task.Path, task.Expected)
			results[i] = Result{Name: task.Name, Digest: digest, Err: err}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	return results, nil
}
