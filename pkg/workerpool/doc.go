// Package workerpool runs submitted jobs on a fixed number of workers fed
// by a bounded FIFO queue.
//
// Invariants:
// - Submit never blocks; a full queue is reported as ErrQueueFull.
// - Jobs start in submission order.
// - Close stops intake and drains the queued jobs before returning.
//
// Usage:
//
//	pool := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 64}, "resume", logger)
//	defer pool.Close(ctx)
//	err := pool.Submit(workerpool.Job{ID: taskID, Run: func(ctx context.Context) error {
//		return nil
//	}})
package workerpool
