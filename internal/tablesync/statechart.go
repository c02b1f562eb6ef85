package tablesync

import (
	"context"
	"time"

	"github.com/datasync/engine/internal/connector"
	"github.com/datasync/engine/internal/syncmodel"
)

// loop is the Active region's top-level driver: it alternates between the
// PassiveSync and LiveSync sub-regions depending on the requested mode,
// and handles the Error transition on an escalated failure, per spec
// §4.6's state chart.
func (c *Controller) loop(ctx context.Context) {
	c.setState(syncmodel.StateInitializing)

	for {
		if ctx.Err() != nil {
			return
		}
		var serr *syncmodel.SyncError
		if c.IsLiveSyncEnabled() {
			serr = c.liveSyncRegion(ctx)
		} else {
			serr = c.passiveSyncRegion(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		if serr != nil {
			c.setState(syncmodel.StateError)
			c.emitError(serr)
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return
		}
		// serr == nil with ctx still live means a mode switch was requested;
		// loop back around and re-read IsLiveSyncEnabled.
	}
}

// passiveSyncRegion runs Init -> Downloading -> Uploading -> Synchronized,
// repeating on triggerSync/triggerUpload, until ctx is cancelled or the
// caller is asked to switch to LiveSync.
func (c *Controller) passiveSyncRegion(ctx context.Context) *syncmodel.SyncError {
	for {
		if err := c.downloadAndProcess(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := c.uploadPending(ctx); err != nil {
			return err
		}
		c.setState(syncmodel.StateSynchronized)

		select {
		case <-ctx.Done():
			return nil
		case <-c.triggerSyncCh:
			continue
		case <-c.triggerUploadCh:
			if err := c.uploadPending(ctx); err != nil {
				return err
			}
			c.setState(syncmodel.StateSynchronized)
		case live := <-c.liveSyncCh:
			if live {
				return nil
			}
		}
	}
}

// downloadAndProcess runs the Downloading and Processing fibers in
// parallel, synchronizing only once both have signalled completion
// (dlReady and procReady in spec terms), with a bounded channel between
// them realizing the soft backpressure bound from spec §5.
func (c *Controller) downloadAndProcess(ctx context.Context) *syncmodel.SyncError {
	c.setState(syncmodel.StateDownloading)

	since, err := c.w.LastSync(c.table)
	if err != nil {
		return toSyncError(c.table, err)
	}

	batches := make(chan []syncmodel.CloudData, backpressureSlots(c.backpress))
	var dlErr, procErr *syncmodel.SyncError

	dlDone := make(chan struct{})
	go func() {
		defer close(dlDone)
		dlErr = c.downloadFiber(ctx, since, batches)
	}()

	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		procErr = c.processFiber(ctx, batches)
	}()

	<-dlDone
	<-procDone

	if dlErr != nil {
		return dlErr
	}
	return procErr
}

// backpressureSlots converts a row-count soft bound into a channel
// capacity, assuming modest per-batch sizes; a minimum of 1 keeps the
// channel usable even for a very small bound.
func backpressureSlots(rowBound int) int {
	slots := rowBound / 100
	if slots < 1 {
		slots = 1
	}
	return slots
}

func (c *Controller) downloadFiber(ctx context.Context, since *time.Time, out chan<- []syncmodel.CloudData) *syncmodel.SyncError {
	defer close(out)
	_, events := c.conn.GetChanges(ctx, c.table, since)
	for ev := range events {
		switch e := ev.(type) {
		case connector.Downloaded:
			select {
			case out <- e.Batch:
			case <-ctx.Done():
				return nil
			}
		case connector.SyncDone:
			return nil
		case connector.ErrorEvent:
			return e.Err
		}
	}
	return nil
}

func (c *Controller) processFiber(ctx context.Context, in <-chan []syncmodel.CloudData) *syncmodel.SyncError {
	for {
		select {
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			for _, d := range batch {
				res, err := c.w.StoreRemote(c.table, d)
				if err != nil {
					// A single row's failure to apply (decrypt or database) marks
					// it Corrupted and moves on; the batch still completes, per
					// spec §4.5 and invariant I4.
					if se, ok := err.(*syncmodel.SyncError); ok &&
						(se.Kind == syncmodel.TransformFailure || se.Kind == syncmodel.DatabaseFailure) {
						c.log.Debug("row corrupted on apply", "key", d.Key, "error", se)
						continue
					}
					return toSyncError(c.table, err)
				}
				_ = res // RejectedStale is silent per invariant I3
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// uploadPending repeatedly calls load_next_pending/upload_change/
// mark_uploaded until no Changed rows remain.
func (c *Controller) uploadPending(ctx context.Context) *syncmodel.SyncError {
	c.setState(syncmodel.StateUploading)
	for {
		if ctx.Err() != nil {
			return nil
		}
		pending, err := c.w.LoadNextPending(c.table)
		if err != nil {
			if se, ok := err.(*syncmodel.SyncError); ok && se.Kind == syncmodel.TransformFailure {
				c.log.Debug("row corrupted before upload", "error", se)
				continue
			}
			return toSyncError(c.table, err)
		}
		if pending == nil {
			return nil
		}

		_, events := c.conn.UploadChange(ctx, pending.CloudData)
		var uploadErr *syncmodel.SyncError
		for ev := range events {
			switch e := ev.(type) {
			case connector.Uploaded:
				if err := c.w.MarkUploaded(e.Key, e.Modified); err != nil {
					return toSyncError(c.table, err)
				}
			case connector.ErrorEvent:
				uploadErr = e.Err
			}
		}
		if uploadErr != nil {
			if uploadErr.Kind == syncmodel.TransientNetwork {
				c.log.Debug("upload failed transiently, retrying after backoff", "error", uploadErr)
				if !sleepCtx(ctx, minBackoff) {
					return nil
				}
				continue
			}
			return uploadErr
		}
	}
}

// toSyncError forwards err unchanged if it is already classified (the usual
// case: the watcher already picked Kind/Scope/Query), and only wraps it as
// DatabaseFailure if some lower layer returned a plain error.
func toSyncError(table string, err error) *syncmodel.SyncError {
	if se, ok := err.(*syncmodel.SyncError); ok {
		return se
	}
	return syncmodel.NewError(syncmodel.DatabaseFailure, table, "watcher call failed", err)
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
