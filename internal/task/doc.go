// Package task starts, tracks and stops named background tasks on behalf
// of an owning component (a hub, a sequencer).
//
// Two kinds of task are supported:
//   - Goroutine tasks receive a context; cancelling it is the stop signal.
//     A task that never checks its context cannot be stopped.
//   - Process tasks run a subprocess and can always be hard-terminated.
//
// Runners nest: Child returns a runner whose tasks are cancelled together
// with the parent, so a pair of cooperating loops can be started and torn
// down as one unit.
//
// Usage:
//
//	runner := task.New(ctx, "bench")
//	runner.Run("poll", func(ctx context.Context) error {
//	    ticker := time.NewTicker(time.Second)
//	    defer ticker.Stop()
//	    for {
//	        select {
//	        case <-ctx.Done():
//	            return nil
//	        case <-ticker.C:
//	            poll()
//	        }
//	    }
//	})
//	runner.Stop("poll")
package task
