package engine

import (
	"context"
	"time"

	"market-relay/src/classifier"
	"market-relay/src/helpers"
	"market-relay/src/interfaces"
)

// -----------------------------------------------------------------------------
// Session lifecycle
// -----------------------------------------------------------------------------

// Acquire takes a reference on the upstream session, starting it when no
// session is running. The returned lease names the session the reference
// belongs to. A failed start takes no reference and returns a lifecycle
// error.
func (e *Engine) Acquire(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.running.Load() {
		e.refs.Add(1)
		return e.gen.Load(), nil
	}

	if err := e.startSession(); err != nil {
		e.errors.Handle(err, "session start")
		return 0, err
	}
	e.refs.Store(1)
	return e.gen.Load(), nil
}

// Release drops the reference taken with lease; the session stops with the
// last one. Leases of a session that already ended are ignored.
func (e *Engine) Release(lease uint64) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if !e.holds(lease) {
		return
	}
	if e.refs.Load() > 0 {
		e.refs.Add(-1)
	}
	if e.refs.Load() == 0 {
		e.Logger.Info("Last session holder released, stopping %s", e.session.Name())
		e.teardown()
	}
}

// Holds reports whether lease belongs to the session running now.
func (e *Engine) Holds(lease uint64) bool {
	return e.holds(lease)
}

func (e *Engine) holds(lease uint64) bool {
	return lease != 0 && e.running.Load() && e.gen.Load() == lease
}

// Stop tears the session down for every holder, aborting a login in progress.
func (e *Engine) Stop() {
	e.cancelMu.Lock()
	if e.sessionCancel != nil {
		e.sessionCancel()
	}
	e.cancelMu.Unlock()

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.refs.Store(0)
	e.teardown()
}

// -----------------------------------------------------------------------------

// startSession must be called with lifeMu held.
func (e *Engine) startSession() error {
	sctx, cancel := context.WithCancel(e.ctx)
	e.cancelMu.Lock()
	e.sessionCancel = cancel
	e.cancelMu.Unlock()

	e.Logger.Info("Starting upstream session %s", e.session.Name())
	handle, err := e.session.Start(sctx)
	if err != nil {
		cancel()
		e.running.Store(false)
		return helpers.NewLifecycleError("start session "+e.session.Name(), err)
	}

	if err := e.do(sctx, func() { e.frames = handle.Frames() }); err != nil {
		cancel()
		_ = e.session.Stop()
		e.running.Store(false)
		return helpers.NewLifecycleError("attach capture", err)
	}

	e.handle = handle
	e.gen.Add(1)
	e.running.Store(true)
	e.startedAt.Store(time.Now().UnixMilli())
	go e.watch(handle)
	go e.checkSnapshot(handle)

	e.Logger.Info("Upstream session %s streaming", e.session.Name())
	return nil
}

// teardown must be called with lifeMu held.
func (e *Engine) teardown() {
	h := e.handle
	e.handle = nil
	wasRunning := e.running.Swap(false)

	if err := e.session.Stop(); err != nil {
		e.errors.Handle(helpers.NewLifecycleError("stop session", err), "session stop")
	}

	e.cancelMu.Lock()
	if e.sessionCancel != nil {
		e.sessionCancel()
		e.sessionCancel = nil
	}
	e.cancelMu.Unlock()

	if h != nil {
		e.detach(h)
	}
	if wasRunning {
		e.Logger.Info("Upstream session %s stopped", e.session.Name())
	}
}

func (e *Engine) detach(h interfaces.ICaptureHandle) {
	frames := h.Frames()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.do(ctx, func() {
		if e.frames == frames {
			e.frames = nil
		}
	})
}

// watch notices a capture that ends without Stop being called. Every lease
// on it goes stale; frames already buffered are still drained by the loop.
func (e *Engine) watch(h interfaces.ICaptureHandle) {
	<-h.Done()

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.handle != h {
		return
	}
	e.handle = nil
	e.running.Store(false)
	e.refs.Store(0)
	if err := e.session.Stop(); err != nil {
		e.Logger.Warning("Stopping ended session %s: %v", e.session.Name(), err)
	}

	if err := h.Err(); err != nil {
		e.errors.Handle(helpers.NewLifecycleError("capture ended", err), "session")
		return
	}
	e.Logger.Info("Upstream capture of %s finished", e.session.Name())
}

// checkSnapshot warns when the directory is still empty snapshotWait after
// the capture started: every tick is then dropped as an unknown instrument.
func (e *Engine) checkSnapshot(h interfaces.ICaptureHandle) {
	if e.snapshotWait <= 0 {
		return
	}

	timer := time.NewTimer(e.snapshotWait)
	defer timer.Stop()
	select {
	case <-h.Done():
		return
	case <-timer.C:
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	empty := false
	if err := e.do(ctx, func() { empty = e.dir.Len() == 0 }); err != nil || !empty {
		return
	}
	e.Logger.Warning("No %q message received %v after start of %s; check protocol.snapshot_kind",
		classifier.ConfigFromModel(e.Config.Protocol).SnapshotKind, e.snapshotWait, e.session.Name())
}
