package pipeline

import (
	"log/slog"
	"time"

	"github.com/care/orionscan/internal/decoder"
	"github.com/care/orionscan/internal/source"
)

// Stop shuts the pipeline down in bounded time.
//
// Sequence:
//  1. Signal the worker: Quit (graceful) or Terminate (immediate)
//  2. Wait for the worker to exit, at most StopTimeout; a timeout is tolerated
//  3. Stop the dispatch loop and discard every outcome still queued,
//     then cancel the source's outstanding request when it supports it
//  4. Mark the controller stopped
//
// No outcome reaches the listener once Stop has returned. An attempt still
// inside the reader after the timeout finishes in the background and its
// outcome is dropped. Idempotent: Stop on a stopped controller returns nil.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning || c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	w, in, cancel, loopDone := c.worker, c.inbox, c.cancel, c.loopDone
	c.mu.Unlock()

	start := time.Now()

	// 1-2: worker
	exited := stopWorker(w, c.cfg.GracefulStop, c.cfg.StopTimeout)

	// 3: dispatch loop and inbox
	in.close()
	cancel()
	select {
	case <-loopDone:
	case <-time.After(c.cfg.StopTimeout):
		slog.Warn("dispatch loop still busy in listener after stop timeout",
			"timeout", c.cfg.StopTimeout,
		)
	}
	dropped := in.drain()

	if rc, ok := c.src.(source.RequestCanceler); ok {
		rc.CancelPending()
	}

	// 4: state
	c.mu.Lock()
	c.discarded += uint64(dropped)
	c.pending = ""
	c.state = StateStopped
	c.stopping = false
	c.mu.Unlock()

	slog.Info("pipeline stopped",
		"worker_exited", exited,
		"discarded", dropped,
		"duration", time.Since(start),
	)
	return nil
}

// stopWorker signals w and waits up to timeout for its goroutine to exit.
// It reports whether the worker exited in time. A worker that misses the
// deadline is cancelled and left to finish on its own.
func stopWorker(w *decoder.Worker, graceful bool, timeout time.Duration) bool {
	if graceful {
		w.Quit()
	} else {
		w.Terminate()
	}

	select {
	case <-w.Done():
		return true
	case <-time.After(timeout):
		slog.Debug("decode worker did not exit before stop timeout", "timeout", timeout)
		w.Terminate()
		return false
	}
}
