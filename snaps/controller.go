// Package snaps vends the snap lifecycle controller, which decides what a recipient may see and guarantees
// every snap is viewed at most once.
package snaps

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"wuyrush.io/snap/common/jobs"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	"wuyrush.io/snap/metrics"
	md "wuyrush.io/snap/models"
	st "wuyrush.io/snap/stores"
)

// Profiler vends user summaries in bulk
type Profiler interface {
	Summaries(ctx context.Context, userIDs []string) (map[string]md.UserSummary, *se.Err)
}

type Controller struct {
	Snaps    st.SnapStore
	Blobs    st.BlobStore
	Profiles Profiler
	Jobs     *jobs.Supervisor
	Clock    md.Clock
	// DeleteGrace is how long the media of a viewed snap stays downloadable before it is deleted
	DeleteGrace time.Duration
}

// Viewed is the outcome of a successful view. The caller must hand it to Destroy once the view result is
// on its way to the viewer
type Viewed struct {
	Result *md.ViewResult
	snap   *md.Snap
}

// ListPending returns the caller's snaps which are delivered and not yet expired, newest first
func (c *Controller) ListPending(ctx context.Context, recipientID string) ([]*md.SnapSummary, *se.Err) {
	pending, err := c.Snaps.ListPending(ctx, recipientID, c.Clock.Now())
	if err != nil {
		return nil, err
	}
	senders := make([]string, 0, len(pending))
	for _, sn := range pending {
		senders = append(senders, sn.Sender)
	}
	profiles := map[string]md.UserSummary{}
	if len(senders) > 0 {
		if profiles, err = c.Profiles.Summaries(ctx, senders); err != nil {
			return nil, err
		}
	}
	res := make([]*md.SnapSummary, 0, len(pending))
	for _, sn := range pending {
		sender, ok := profiles[sn.Sender]
		if !ok {
			// sender account vanished; the snap is still the recipient's to see
			sender = md.UserSummary{ID: sn.Sender}
		}
		res = append(res, &md.SnapSummary{
			ID:        sn.ID,
			Sender:    sender,
			MediaKind: sn.MediaKind,
			Window:    sn.Window,
			CreatedAt: sn.CreatedAt,
		})
	}
	return res, nil
}

// View atomically flips the snap from delivered to viewed on behalf of callerID. Exactly one caller wins per
// snap; everybody else, including callers who are not the recipient, gets ErrCodeNotFound
func (c *Controller) View(ctx context.Context, snapID, callerID string) (*Viewed, *se.Err) {
	clog := logging.WithFuncName().WithFields(log.Fields{"snapID": snapID, "userID": callerID})
	sn, err := c.Snaps.MarkViewed(ctx, snapID, callerID, c.Clock.Now())
	if err != nil {
		switch err.Code {
		case se.ErrCodeNotFound:
			metrics.Views.WithLabelValues(metrics.OutcomeLost).Inc()
			return nil, err
		case se.ErrCodeForbidden:
			// do not disclose existence of snaps of others
			metrics.Views.WithLabelValues(metrics.OutcomeLost).Inc()
			clog.Warn("view attempt on snap of another user")
			return nil, se.NewNotFound("snap not found")
		}
		metrics.Views.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, err
	}
	metrics.Views.WithLabelValues(metrics.OutcomeWon).Inc()
	sender := md.UserSummary{ID: sn.Sender}
	if sums, perr := c.Profiles.Summaries(ctx, []string{sn.Sender}); perr != nil {
		clog.WithError(perr).Warn("error getting sender profile")
	} else if s, ok := sums[sn.Sender]; ok {
		sender = s
	}
	return &Viewed{
		Result: &md.ViewResult{
			URL:       c.Blobs.URL(sn.MediaRef),
			Window:    sn.Window,
			Sender:    sender,
			MediaKind: sn.MediaKind,
		},
		snap: sn,
	}, nil
}

// Destroy schedules deletion of the viewed snap's media after DeleteGrace. Deletion is attempted once here;
// media whose deletion failed or never ran keeps its refs in SnapStore and is purged by the retention sweeper
func (c *Controller) Destroy(v *Viewed) {
	if v == nil || v.snap == nil {
		return
	}
	snapID, ref := v.snap.ID, v.snap.MediaRef
	fields := log.Fields{"snapID": snapID, "mediaRef": ref}
	err := c.Jobs.GoAfter(c.DeleteGrace, "deleteViewedMedia", fields, func(ctx context.Context) error {
		if err := c.Blobs.Delete(ctx, ref); err != nil {
			metrics.BlobDeletes.WithLabelValues("viewed", metrics.OutcomeFailed).Inc()
			return err
		}
		metrics.BlobDeletes.WithLabelValues("viewed", metrics.OutcomeOK).Inc()
		if err := c.Snaps.ReleaseMedia(ctx, snapID); err != nil {
			// the sweeper deletes the media again later, which is harmless
			return err
		}
		return nil
	})
	if err != nil {
		metrics.BlobDeletes.WithLabelValues("viewed", metrics.OutcomeFailed).Inc()
		logging.WithFuncName().WithFields(fields).WithError(err).Error("error scheduling media deletion")
	}
}
