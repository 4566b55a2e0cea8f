package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Shutdown runs the five shutdown steps in order. A failing step is logged
// and recorded but never skips the steps after it. Only the first call does
// anything; later calls return ErrAlreadyShutdown.
func (f *Fleet) Shutdown(ctx context.Context) error {
	if !f.shutdown.CompareAndSwap(false, true) {
		return ErrAlreadyShutdown
	}
	start := time.Now()
	var errs error
	step := func(name string, err error) {
		if err == nil {
			return
		}
		f.log.Error("shutdown step failed", "step", name, "error", err)
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
	}

	// 1. broker 廣播
	f.log.Info("asking workers to stop")
	step("broadcast shutdown", f.control.BroadcastShutdown(ctx))

	// 2. 等待 worker 行程
	step("wait workers", f.waitWorkers())

	// 3. collector 旗標
	if f.collector != nil {
		f.log.Info("workers exited, stopping collector")
		step("signal collector", f.collector.Stop())

		// 4. 等待 collector drain 完成
		step("wait collector", f.collector.Wait())
	}

	// 5. broker
	step("close broker connection", f.control.Close())
	step("stop broker", f.server.Shutdown(ctx))

	f.log.Info("shutdown complete", "duration", time.Since(start), "failed_steps", len(multierr.Errors(errs)))
	return errs
}

// waitWorkers waits for every worker process concurrently. With an exit
// timeout, a worker still running afterwards is killed.
func (f *Fleet) waitWorkers() error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, w := range f.workers {
		g.Go(func() error {
			err := f.waitWorker(w)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (f *Fleet) waitWorker(w workerProcess) error {
	if f.cfg.ExitTimeout <= 0 {
		if err := w.proc.Wait(); err != nil {
			return fmt.Errorf("worker on %s: %w", w.node.Hostname, err)
		}
		f.log.Debug("worker exited", "node", w.node.Hostname)
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- w.proc.Wait() }()

	timer := time.NewTimer(f.cfg.ExitTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("worker on %s: %w", w.node.Hostname, err)
		}
		return nil
	case <-timer.C:
	}

	// pbsdsh 會把 SIGTERM 轉給遠端 worker；SIGKILL 只能結束本機的 pbsdsh
	if t, ok := w.proc.(terminator); ok {
		f.log.Warn("worker did not exit in time, terminating", "node", w.node.Hostname, "pid", w.proc.Pid(), "exit_timeout", f.cfg.ExitTimeout)
		if err := t.Terminate(); err != nil {
			f.log.Warn("terminate worker failed", "node", w.node.Hostname, "error", err)
		}
		grace := time.NewTimer(f.cfg.KillGrace)
		defer grace.Stop()
		select {
		case <-done:
			return fmt.Errorf("worker on %s terminated after %s", w.node.Hostname, f.cfg.ExitTimeout)
		case <-grace.C:
		}
	}

	f.log.Warn("worker did not exit in time, killing", "node", w.node.Hostname, "pid", w.proc.Pid(), "exit_timeout", f.cfg.ExitTimeout)
	if err := w.proc.Kill(); err != nil {
		return fmt.Errorf("kill worker on %s: %w", w.node.Hostname, err)
	}
	<-done
	return fmt.Errorf("worker on %s killed after %s", w.node.Hostname, f.cfg.ExitTimeout)
}

// terminator 可先要求行程自行結束的 Process
type terminator interface {
	Terminate() error
}
