package main

import (
	"context"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	"wuyrush.io/snap/metrics"
	md "wuyrush.io/snap/models"
	st "wuyrush.io/snap/stores"
)

type deleter struct {
	Blobs   st.BlobStore
	Snaps   st.SnapStore
	Clock   md.Clock
	MaxLoad int // 0 loads all junk snaps available per sweep

	wipCache  gcache.Cache
	wipExpiry time.Duration
	quotas    chan struct{}
	wg        sync.WaitGroup
}

func newDeleter(snaps st.SnapStore, blobs st.BlobStore, clock md.Clock, cacheSize, poolSize, maxLoad int,
	wipExpiry time.Duration) *deleter {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &deleter{
		Blobs:     blobs,
		Snaps:     snaps,
		Clock:     clock,
		MaxLoad:   maxLoad,
		wipCache:  gcache.New(cacheSize).LRU().Build(),
		wipExpiry: wipExpiry,
		quotas:    make(chan struct{}, poolSize),
	}
}

// Run sweeps every freq until ctx is done, then waits for dispatched deletions to finish
func (d *deleter) Run(ctx context.Context, freq time.Duration) *se.Err {
	clog := logging.WithFuncName()
	if freq <= 0 {
		return se.NewBadInput("got non-positive deleter sweep frequency")
	}
	defer d.Wait()
	tkr := time.NewTicker(freq)
	defer tkr.Stop()
	for {
		select {
		case <-tkr.C:
			if err := d.Sweep(ctx); err != nil {
				// the next tick tries again; snaps stay in the expiry index until deregistered
				clog.WithError(err).Error("error sweeping junk snaps")
			}
		case <-ctx.Done():
			clog.Info("deleter stopping")
			return nil
		}
	}
}

// Sweep loads junk snaps and dispatches them to the executor pool for disposal
func (d *deleter) Sweep(ctx context.Context) *se.Err {
	clog := logging.WithFuncName()
	jks, err := d.Load(ctx, d.MaxLoad)
	if err != nil {
		return err
	}
	clog.WithField("count", len(jks)).Debug("junk snaps loaded")
	d.wg.Add(len(jks))
	for _, jk := range jks {
		go func(jk *md.Junk) {
			defer d.wg.Done()
			d.quotas <- struct{}{}
			defer func() { <-d.quotas }()
			if err := d.Delete(ctx, jk); err != nil {
				metrics.SweptSnaps.WithLabelValues(metrics.OutcomeFailed).Inc()
				clog.WithError(err).WithField("snapID", jk.SnapID).Error("error deleting junk snap")
				return
			}
			metrics.SweptSnaps.WithLabelValues(metrics.OutcomeOK).Inc()
			clog.WithField("snapID", jk.SnapID).Debug("junk snap deleted")
		}(jk)
	}
	return nil
}

// Wait blocks until all dispatched deletions finish
func (d *deleter) Wait() {
	d.wg.Wait()
}

// Load loads up to max junk snaps from SnapStore for cleanup, skipping those some executor is working on.
// It loads all junk snaps available in SnapStore if max == 0.
func (d *deleter) Load(ctx context.Context, max int) ([]*md.Junk, *se.Err) {
	clog := logging.WithFuncName()
	jks, err := d.Snaps.Junk(ctx, d.Clock.Now(), max)
	if err != nil {
		clog.WithError(err).Error("error loading junk snaps from SnapStore")
		return nil, err
	}
	newJks := []*md.Junk{}
	for _, jk := range jks {
		_, gerr := d.wipCache.Get(jk.SnapID)
		if gerr == nil {
			continue
		}
		if gerr != gcache.KeyNotFoundError {
			msg := "error getting snap id from local cache"
			clog.WithError(gerr).Error(msg)
			return nil, se.NewServiceFailure(msg).WithCause(gerr)
		}
		// best-effort: a snap missing from WIP cache is at worst deleted twice, which is idempotent
		if err := d.wipCache.SetWithExpire(jk.SnapID, struct{}{}, d.wipExpiry); err != nil {
			clog.WithError(err).WithField("snapID", jk.SnapID).Error("error keying snap id in local cache")
		}
		newJks = append(newJks, jk)
	}
	return newJks, nil
}

// Delete removes the remaining media of j, then deregisters j from SnapStore. The snap stays in SnapStore if
// any of its media fails to be removed, so that a later sweep picks it up again
func (d *deleter) Delete(ctx context.Context, j *md.Junk) *se.Err {
	clog := logging.WithFuncName().WithField("snapID", j.SnapID)
	defer d.wipCache.Remove(j.SnapID)
	errs := make(chan *se.Err, len(j.BlobRefs))
	var wg sync.WaitGroup
	wg.Add(len(j.BlobRefs))
	// a snap carries a single media ref at most, no need to limit the concurrency
	for _, ref := range j.BlobRefs {
		go func(r string) {
			defer wg.Done()
			if err := d.Blobs.Delete(ctx, r); err != nil {
				metrics.BlobDeletes.WithLabelValues("retention", metrics.OutcomeFailed).Inc()
				clog.WithError(err).WithField("mediaRef", r).Error("error deleting snap media with BlobStore")
				errs <- err
				return
			}
			metrics.BlobDeletes.WithLabelValues("retention", metrics.OutcomeOK).Inc()
		}(ref)
	}
	wg.Wait()
	close(errs)
	// ok to return the first error only; the rest are logged
	if err, ok := <-errs; ok {
		return err
	}
	// At this point ALL the snap's media are cleaned up; Deregister snap from SnapStore.
	if err := d.Snaps.Deregister(ctx, j.SnapID); err != nil {
		clog.WithError(err).Error("error deregistering snap from SnapStore")
		return err
	}
	return nil
}
