// Package upload vends the upload pipeline: it acknowledges a snap as soon as its media is staged locally, and
// moves the media to blob store, creates the snap record and notifies the recipient in background.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/snap/common/jobs"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	"wuyrush.io/snap/metrics"
	md "wuyrush.io/snap/models"
	"wuyrush.io/snap/notify"
	st "wuyrush.io/snap/stores"
)

// Submission is one staged snap waiting for background processing
type Submission struct {
	SenderID    string
	RecipientID string
	Window      md.ViewWindow
	Kind        md.MediaKind
	ContentType string
	// StagedPath is the staging file holding raw media. The pipeline owns it once submitted
	StagedPath string
}

// Profiler vends sender summaries carried by notifications
type Profiler interface {
	Summary(ctx context.Context, userID string) (md.UserSummary, *se.Err)
}

type Pipeline struct {
	Blobs    st.BlobStore
	Snaps    st.SnapStore
	Profiles Profiler
	Notifier notify.Notifier
	Jobs     *jobs.Supervisor
	Stager   *Stager
	Strategy Profiles
	Clock    md.Clock
}

// Submit accepts a staged snap for background processing and returns right away. Errors returned are
// synchronous rejections; the staging file is released on those as well
func (p *Pipeline) Submit(s *Submission) *se.Err {
	fields := log.Fields{"userID": s.SenderID, "recipientID": s.RecipientID, "mediaKind": s.Kind}
	prof, ok := p.Strategy[s.Kind]
	if !ok {
		p.release(s.StagedPath)
		return se.NewUnsupported(fmt.Sprintf("media kind %q not supported", s.Kind))
	}
	if err := p.Jobs.Go("upload", fields, func(ctx context.Context) error {
		return p.process(ctx, s, prof)
	}); err != nil {
		p.release(s.StagedPath)
		return err
	}
	metrics.UploadsAccepted.WithLabelValues(string(s.Kind)).Inc()
	return nil
}

// process runs the background phase of an upload: exactly one blob write attempt, then exactly one record
// creation, then exactly one notification attempt. Failure is terminal
func (p *Pipeline) process(ctx context.Context, s *Submission, prof *Profile) (rerr error) {
	clog := logging.WithFuncName().WithFields(log.Fields{"userID": s.SenderID, "recipientID": s.RecipientID})
	start := time.Now()
	defer p.release(s.StagedPath)
	defer func() {
		outcome := metrics.OutcomeOK
		if rerr != nil {
			outcome = metrics.OutcomeFailed
		}
		metrics.UploadsFinished.WithLabelValues(string(s.Kind), outcome).Inc()
		metrics.UploadDuration.WithLabelValues(string(s.Kind)).Observe(time.Since(start).Seconds())
	}()

	ref, err := p.upload(ctx, s, prof)
	if err != nil {
		return err
	}
	sn := &md.Snap{
		ID:        ksuid.New().String(),
		Sender:    s.SenderID,
		Recipient: s.RecipientID,
		MediaRef:  ref,
		MediaKind: s.Kind,
		Window:    s.Window,
		Status:    md.StatusDelivered,
		CreatedAt: p.Clock.Now(),
	}
	clog = clog.WithField("snapID", sn.ID)
	if err := p.Snaps.Create(ctx, sn); err != nil {
		// leave no orphan media behind
		if derr := p.Blobs.Delete(ctx, ref); derr != nil {
			metrics.BlobDeletes.WithLabelValues("orphan", metrics.OutcomeFailed).Inc()
			clog.WithError(derr).WithField("mediaRef", ref).Error("error deleting orphan media")
		} else {
			metrics.BlobDeletes.WithLabelValues("orphan", metrics.OutcomeOK).Inc()
		}
		return err
	}
	clog.Debug("snap delivered")
	p.notify(ctx, sn)
	return nil
}

func (p *Pipeline) upload(ctx context.Context, s *Submission, prof *Profile) (string, *se.Err) {
	f, err := os.Open(s.StagedPath)
	if err != nil {
		return "", se.NewServiceFailure("error opening staged media").WithCause(err)
	}
	defer f.Close()
	if prof.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, prof.Timeout)
		defer cancel()
	}
	key := fmt.Sprintf("snaps/%s%s", ksuid.New().String(), prof.Encoder.Ext(s.ContentType))
	pr, pw := io.Pipe()
	encoded := make(chan struct{})
	go func() {
		defer close(encoded)
		pw.CloseWithError(prof.Encoder.Encode(ctx, f, s.ContentType, pw))
	}()
	cr := &countingReader{r: pr}
	ref, perr := p.Blobs.Put(ctx, key, cr)
	// unblock the encoder if blob store gave up early; it must be done with f before f is closed
	pr.CloseWithError(io.ErrClosedPipe)
	<-encoded
	if perr != nil {
		return "", perr
	}
	metrics.UploadedBytes.Add(float64(cr.n))
	return ref, nil
}

// notify is best-effort; the recipient finds the snap upon next inbox listing anyway
func (p *Pipeline) notify(ctx context.Context, sn *md.Snap) {
	clog := logging.WithFuncName().WithFields(log.Fields{"snapID": sn.ID, "recipientID": sn.Recipient})
	sender, err := p.Profiles.Summary(ctx, sn.Sender)
	if err != nil {
		clog.WithError(err).Warn("error getting sender profile; notifying with sender id only")
		sender = md.UserSummary{ID: sn.Sender}
	}
	summary := &md.SnapSummary{
		ID:        sn.ID,
		Sender:    sender,
		MediaKind: sn.MediaKind,
		Window:    sn.Window,
		CreatedAt: sn.CreatedAt,
	}
	if err := p.Notifier.Notify(ctx, sn.Recipient, summary); err != nil {
		clog.WithError(err).Warn("error notifying recipient")
	}
}

func (p *Pipeline) release(path string) {
	if err := p.Stager.Release(path); err != nil {
		logging.WithFuncName().WithError(err).WithField("path", path).Error("error releasing staging file")
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}
