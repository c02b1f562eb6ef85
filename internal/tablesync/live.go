package tablesync

import (
	"context"
	"time"

	"github.com/datasync/engine/internal/connector"
	"github.com/datasync/engine/internal/syncmodel"
)

// liveSyncRegion implements LsStarting -> LsProcessInit -> LsActive -> (on
// stream loss) LsError -> LsStarting, per spec §4.6. It returns nil when
// the caller should switch to PassiveSync or ctx was cancelled, and a
// *syncmodel.SyncError for any failure whose kind is not TransientNetwork
// (TransientNetwork stream loss is LsError, retried here with backoff).
func (c *Controller) liveSyncRegion(ctx context.Context) *syncmodel.SyncError {
	backoff := time.Duration(0)

	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setState(syncmodel.StateInitializing)

		since, err := c.w.LastSync(c.table)
		if err != nil {
			return toSyncError(c.table, err)
		}

		lsErr, switchMode := c.liveSyncAttempt(ctx, since)
		if ctx.Err() != nil {
			return nil
		}
		if switchMode {
			return nil
		}
		if lsErr == nil {
			continue // stream ended cleanly (shouldn't normally happen); restart
		}
		if lsErr.Kind != syncmodel.TransientNetwork {
			return lsErr
		}

		c.setState(syncmodel.StateError)
		backoff = nextBackoff(backoff)
		c.log.Debug("live sync lost, scheduling restart", "backoff", backoff)
		if !sleepCtx(ctx, backoff) {
			return nil
		}
		// continueLiveSync: loop re-enters LsStarting.
	}
}

// liveSyncAttempt runs one subscribe_live session: LsProcessInit (draining
// the catch-up batch through StoreRemote exactly as PassiveSync does) then
// LsActive's two parallel fibers (LsFiber draining further Downloaded
// events, UlFiber uploading pending rows whenever the watcher signals a
// local change). Returns (err, switchMode).
func (c *Controller) liveSyncAttempt(ctx context.Context, since *time.Time) (*syncmodel.SyncError, bool) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_, events := c.conn.SubscribeLive(lctx, c.table, since)

	// LsProcessInit: the first Downloaded batch is the catch-up batch.
	catchingUp := true
	lsErrCh := make(chan *syncmodel.SyncError, 1)
	switchCh := make(chan bool, 1)

	go func() {
		defer close(lsErrCh)
		for ev := range events {
			switch e := ev.(type) {
			case connector.Downloaded:
				if catchingUp {
					c.setState(syncmodel.StateInitializing)
				} else {
					c.setState(syncmodel.StateLiveSync)
				}
				for _, d := range e.Batch {
					// Mirrors passiveSyncRegion's processFiber: a row that fails
					// to apply is marked Corrupted and skipped, not fatal to the
					// rest of the batch (spec §4.5, invariant I4).
					if _, err := c.w.StoreRemote(c.table, d); err != nil {
						if se, ok := err.(*syncmodel.SyncError); ok &&
							(se.Kind == syncmodel.TransformFailure || se.Kind == syncmodel.DatabaseFailure) {
							continue
						}
						lsErrCh <- toSyncError(c.table, err)
						return
					}
				}
				if catchingUp && !e.HasMore {
					catchingUp = false
					c.setState(syncmodel.StateLiveSync)
				}
			case connector.LiveSyncError:
				lsErrCh <- e.Err
				return
			case connector.ErrorEvent:
				lsErrCh <- e.Err
				return
			}
		}
	}()

	ulDone := make(chan struct{})
	go func() {
		defer close(ulDone)
		c.liveUploadFiber(lctx, switchCh)
	}()

	select {
	case err := <-lsErrCh:
		cancel()
		<-ulDone
		return err, false
	case sw := <-switchCh:
		cancel()
		<-ulDone
		return nil, sw
	case <-ctx.Done():
		cancel()
		<-ulDone
		return nil, false
	}
}

// liveUploadFiber is UlFiber: identical in spirit to PassiveSync's
// Uploading fiber, but never finishes on its own — it waits for
// triggerUpload (including the automatic one driven by the watcher's
// change poller) and for a mode switch back to PassiveSync.
func (c *Controller) liveUploadFiber(ctx context.Context, switchCh chan<- bool) {
	c.liveUpload(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.triggerUploadCh:
			c.liveUpload(ctx)
		case <-c.triggerSyncCh:
			c.liveUpload(ctx)
		case table, ok := <-c.w.Changed():
			if ok && table == c.table {
				c.liveUpload(ctx)
			}
		case live := <-c.liveSyncCh:
			if !live {
				select {
				case switchCh <- true:
				case <-ctx.Done():
				}
				return
			}
		}
	}
}

// liveUpload runs one upload-pending pass and restores the LiveSync state
// projection afterward (uploadPending transiently reports Uploading).
func (c *Controller) liveUpload(ctx context.Context) {
	if err := c.uploadPending(ctx); err != nil {
		c.log.Debug("live upload pass failed", "error", err)
	}
	if ctx.Err() == nil {
		c.setState(syncmodel.StateLiveSync)
	}
}
