package upload

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"wuyrush.io/snap/common/jobs"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
	st "wuyrush.io/snap/stores"
)

var testNow = time.Date(2020, time.April, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeProfiler map[string]md.UserSummary

func (f fakeProfiler) Summary(_ context.Context, id string) (md.UserSummary, *se.Err) {
	s, ok := f[id]
	if !ok {
		return md.UserSummary{}, se.NewNotFound("no such user")
	}
	return s, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  map[string][]*md.SnapSummary
	calls int
}

func (n *recordingNotifier) Notify(_ context.Context, recipientID string, s *md.SnapSummary) *se.Err {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = map[string][]*md.SnapSummary{}
	}
	n.sent[recipientID] = append(n.sent[recipientID], s)
	n.calls++
	return nil
}

// failingSnapStore fails every snap creation
type failingSnapStore struct {
	st.SnapStore
}

func (failingSnapStore) Create(context.Context, *md.Snap) *se.Err {
	return se.NewDependencyFailure("store offline")
}

// stallingEncoder never produces output until its context gives up
type stallingEncoder struct{}

func (stallingEncoder) Ext(string) string { return ".bin" }

func (stallingEncoder) Encode(ctx context.Context, _ io.Reader, _ string, _ io.Writer) error {
	<-ctx.Done()
	return ctx.Err()
}

type pipelineFixture struct {
	pipeline *Pipeline
	snaps    st.SnapStore
	notifier *recordingNotifier
	blobRoot string
	stageDir string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	dir := t.TempDir()
	snaps, err := st.NewSQLSnapStore(filepath.Join(dir, "snaps.db"), 24*time.Hour)
	require.Nil(t, err)
	t.Cleanup(func() { snaps.Close() })
	f := &pipelineFixture{
		snaps:    snaps,
		notifier: &recordingNotifier{},
		blobRoot: filepath.Join(dir, "blobs"),
		stageDir: filepath.Join(dir, "staging"),
	}
	f.pipeline = &Pipeline{
		Blobs:    &st.LocalBlobStore{Root: f.blobRoot, BaseURL: "http://media.test"},
		Snaps:    snaps,
		Profiles: fakeProfiler{"alice": {ID: "alice", Username: "alice", Avatar: "a.png"}},
		Notifier: f.notifier,
		Jobs:     jobs.NewSupervisor("upload-test", 4),
		Stager:   &Stager{Dir: f.stageDir},
		Strategy: Profiles{
			md.MediaKindImage: {Timeout: 10 * time.Second, Encoder: &ImageEncoder{MaxEdge: 100, Quality: 80}},
			md.MediaKindVideo: {Timeout: 10 * time.Second, Encoder: &VideoEncoder{ChunkSize: 7}},
		},
		Clock: fixedClock{testNow},
	}
	return f
}

// drain waits for all background uploads to finish
func (f *pipelineFixture) drain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.pipeline.Jobs.Shutdown(ctx))
}

func (f *pipelineFixture) stage(t *testing.T, data []byte) string {
	path, _, err := f.pipeline.Stager.Stage(bytes.NewReader(data), 1<<20)
	require.Nil(t, err)
	return path
}

func listFiles(t *testing.T, root string) []string {
	files := []string{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func testPNG(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPipeline_DeliversImage(t *testing.T) {
	f := newPipelineFixture(t)
	staged := f.stage(t, testPNG(t, 400, 200))
	err := f.pipeline.Submit(&Submission{
		SenderID:    "alice",
		RecipientID: "bob",
		Window:      md.Timed(5),
		Kind:        md.MediaKindImage,
		ContentType: "image/png",
		StagedPath:  staged,
	})
	require.Nil(t, err)
	f.drain(t)

	assert.Empty(t, listFiles(t, f.stageDir))
	pending, err := f.snaps.ListPending(context.Background(), "bob", testNow)
	require.Nil(t, err)
	require.Len(t, pending, 1)
	sn := pending[0]
	assert.Equal(t, "alice", sn.Sender)
	assert.Equal(t, md.Timed(5), sn.Window)
	assert.Equal(t, md.StatusDelivered, sn.Status)
	assert.Equal(t, ".png", filepath.Ext(sn.MediaRef))

	rc, oerr := f.pipeline.Blobs.Open(sn.MediaRef)
	require.Nil(t, oerr)
	defer rc.Close()
	img, derr := imaging.Decode(rc)
	require.NoError(t, derr)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())

	require.Len(t, f.notifier.sent["bob"], 1)
	note := f.notifier.sent["bob"][0]
	assert.Equal(t, sn.ID, note.ID)
	assert.Equal(t, "alice", note.Sender.Username)
	assert.Equal(t, "a.png", note.Sender.Avatar)
}

func TestPipeline_DeliversVideoAsIs(t *testing.T) {
	f := newPipelineFixture(t)
	video := []byte("not really a video but bytes all the same")
	staged := f.stage(t, video)
	err := f.pipeline.Submit(&Submission{
		SenderID:    "carol", // unknown to profiler; notified with id only
		RecipientID: "bob",
		Window:      md.NonExpiring(),
		Kind:        md.MediaKindVideo,
		ContentType: "video/mp4",
		StagedPath:  staged,
	})
	require.Nil(t, err)
	f.drain(t)

	pending, err := f.snaps.ListPending(context.Background(), "bob", testNow)
	require.Nil(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ".mp4", filepath.Ext(pending[0].MediaRef))
	assert.True(t, pending[0].Window.IsNonExpiring())
	rc, oerr := f.pipeline.Blobs.Open(pending[0].MediaRef)
	require.Nil(t, oerr)
	defer rc.Close()
	got, rerr := io.ReadAll(rc)
	require.NoError(t, rerr)
	assert.Equal(t, video, got)
	require.Len(t, f.notifier.sent["bob"], 1)
	assert.Equal(t, md.UserSummary{ID: "carol"}, f.notifier.sent["bob"][0].Sender)
}

func TestPipeline_RecordFailureLeavesNothing(t *testing.T) {
	f := newPipelineFixture(t)
	f.pipeline.Snaps = failingSnapStore{SnapStore: f.snaps}
	staged := f.stage(t, testPNG(t, 10, 10))
	require.Nil(t, f.pipeline.Submit(&Submission{
		SenderID: "alice", RecipientID: "bob", Window: md.Timed(10),
		Kind: md.MediaKindImage, ContentType: "image/png", StagedPath: staged,
	}))
	f.drain(t)

	assert.Empty(t, listFiles(t, f.stageDir))
	assert.Empty(t, listFiles(t, f.blobRoot), "orphan media must be removed")
	pending, err := f.snaps.ListPending(context.Background(), "bob", testNow)
	require.Nil(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, f.notifier.calls)
}

func TestPipeline_UploadTimeout(t *testing.T) {
	f := newPipelineFixture(t)
	f.pipeline.Strategy[md.MediaKindImage] = &Profile{Timeout: 50 * time.Millisecond, Encoder: stallingEncoder{}}
	staged := f.stage(t, []byte("whatever"))
	require.Nil(t, f.pipeline.Submit(&Submission{
		SenderID: "alice", RecipientID: "bob", Window: md.Timed(10),
		Kind: md.MediaKindImage, ContentType: "image/jpeg", StagedPath: staged,
	}))
	f.drain(t)

	assert.Empty(t, listFiles(t, f.stageDir))
	assert.Empty(t, listFiles(t, f.blobRoot))
	pending, err := f.snaps.ListPending(context.Background(), "bob", testNow)
	require.Nil(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, f.notifier.calls)
}

func TestPipeline_SyncRejections(t *testing.T) {
	cases := []struct {
		name    string
		kind    md.MediaKind
		prepare func(f *pipelineFixture)
		code    se.ErrCode
	}{
		{
			name: "UnsupportedKind",
			kind: md.MediaKind("audio"),
			code: se.ErrCodeUnsupported,
		},
		{
			name: "ShuttingDown",
			kind: md.MediaKindImage,
			prepare: func(f *pipelineFixture) {
				require.NoError(t, f.pipeline.Jobs.Shutdown(context.Background()))
			},
			code: se.ErrCodeBusy,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			if c.prepare != nil {
				c.prepare(f)
			}
			staged := f.stage(t, []byte("data"))
			err := f.pipeline.Submit(&Submission{
				SenderID: "alice", RecipientID: "bob", Window: md.Timed(10),
				Kind: c.kind, ContentType: "application/octet-stream", StagedPath: staged,
			})
			require.NotNil(t, err)
			assert.Equal(t, c.code, err.Code)
			assert.NoFileExists(t, staged)
		})
	}
}

// lingeringEncoder keeps reading its source for a while after its output is cut off
type lingeringEncoder struct {
	mu       sync.Mutex
	finished bool
	srcErr   error
}

func (e *lingeringEncoder) Ext(string) string { return ".bin" }

func (e *lingeringEncoder) Encode(_ context.Context, src io.Reader, _ string, dst io.Writer) error {
	buf := make([]byte, 4)
	for {
		if _, err := dst.Write([]byte("chunk")); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	_, err := src.Read(buf)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = true
	e.srcErr = err
	return err
}

// impatientBlobStore gives up on uploads before reading all of the media
type impatientBlobStore struct {
	st.BlobStore
	readErr error
}

func (b *impatientBlobStore) Put(_ context.Context, _ string, r io.Reader) (string, *se.Err) {
	if _, err := r.Read(make([]byte, 1)); err != nil {
		b.readErr = err
	}
	return "", se.NewDependencyFailure("blob store gave up")
}

func TestPipeline_UploadWaitsForEncoder(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{name: "ShortMedia", data: []byte("abc")},
		{name: "LongMedia", data: bytes.Repeat([]byte("x"), 1<<16)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			enc := &lingeringEncoder{}
			blobs := &impatientBlobStore{BlobStore: f.pipeline.Blobs}
			f.pipeline.Blobs = blobs
			staged := f.stage(t, c.data)

			ref, err := f.pipeline.upload(context.Background(),
				&Submission{ContentType: "image/png", StagedPath: staged},
				&Profile{Timeout: 10 * time.Second, Encoder: enc})
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeDependencyFailure, err.Code)
			assert.Empty(t, ref)
			assert.NoError(t, blobs.readErr)

			enc.mu.Lock()
			defer enc.mu.Unlock()
			assert.True(t, enc.finished, "upload must not return before the encoder does")
			assert.NoError(t, enc.srcErr, "staged media must stay open while the encoder reads it")
		})
	}
}
