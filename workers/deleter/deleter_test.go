package main

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
	st "wuyrush.io/snap/stores"
)

const retention = 24 * time.Hour

var testNow = time.Date(2020, time.April, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyBlobStore fails deletions while broken is set
type flakyBlobStore struct {
	st.BlobStore
	mu     sync.Mutex
	broken bool
}

func (f *flakyBlobStore) Delete(ctx context.Context, ref string) *se.Err {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return se.NewDependencyFailure("blob store unreachable")
	}
	return f.BlobStore.Delete(ctx, ref)
}

func (f *flakyBlobStore) setBroken(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = b
}

func snapStores() map[string]func(t *testing.T) st.SnapStore {
	return map[string]func(t *testing.T) st.SnapStore{
		"Redis": func(t *testing.T) st.SnapStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return &st.RedisSnapStore{DB: client, Retention: retention}
		},
		"SQL": func(t *testing.T) st.SnapStore {
			s, err := st.NewSQLSnapStore(filepath.Join(t.TempDir(), "snaps.db"), retention)
			require.Nil(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

type fixture struct {
	d     *deleter
	blobs *flakyBlobStore
	clock *fakeClock
}

func newFixture(t *testing.T, snaps st.SnapStore) *fixture {
	clock := &fakeClock{now: testNow}
	blobs := &flakyBlobStore{BlobStore: &st.LocalBlobStore{Root: t.TempDir(), BaseURL: "http://media.test/"}}
	return &fixture{
		d:     newDeleter(snaps, blobs, clock, 16, 2, 0, time.Minute),
		blobs: blobs,
		clock: clock,
	}
}

func (f *fixture) deliver(t *testing.T, id string) *md.Snap {
	ctx := context.Background()
	ref, err := f.blobs.Put(ctx, "snaps/"+id+".jpg", bytes.NewReader([]byte("media of "+id)))
	require.Nil(t, err)
	sn := &md.Snap{
		ID:        id,
		Sender:    "alice",
		Recipient: "bob",
		MediaRef:  ref,
		MediaKind: md.MediaKindImage,
		Window:    md.Timed(10),
		Status:    md.StatusDelivered,
		CreatedAt: f.clock.Now(),
	}
	require.Nil(t, f.d.Snaps.Create(ctx, sn))
	return sn
}

func (f *fixture) sweep(t *testing.T) {
	require.Nil(t, f.d.Sweep(context.Background()))
	f.d.Wait()
}

func (f *fixture) mediaExists(ref string) bool {
	rc, err := f.blobs.Open(ref)
	if err != nil {
		return false
	}
	rc.Close()
	return true
}

func (f *fixture) snapExists(t *testing.T, id string) bool {
	_, err := f.d.Snaps.Get(context.Background(), id)
	if err != nil {
		require.Equal(t, se.ErrCodeNotFound, err.Code)
		return false
	}
	return true
}

func TestDeleter_Sweep(t *testing.T) {
	for name, factory := range snapStores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, factory(t))
			unviewed := f.deliver(t, "unviewed")
			viewed := f.deliver(t, "viewed")
			// media deletion of the view never ran, e.g. the reader died within grace period
			stranded := f.deliver(t, "stranded")
			ctx := context.Background()
			for _, sn := range []*md.Snap{viewed, stranded} {
				_, err := f.d.Snaps.MarkViewed(ctx, sn.ID, "bob", f.clock.Now())
				require.Nil(t, err)
			}
			require.Nil(t, f.blobs.Delete(ctx, viewed.MediaRef))
			require.Nil(t, f.d.Snaps.ReleaseMedia(ctx, viewed.ID))
			f.clock.Advance(time.Hour)
			fresh := f.deliver(t, "fresh")

			// nothing is junk within retention window
			f.sweep(t)
			assert.True(t, f.snapExists(t, unviewed.ID))
			assert.True(t, f.mediaExists(unviewed.MediaRef))

			f.clock.Advance(retention - 30*time.Minute)
			f.sweep(t)
			assert.False(t, f.snapExists(t, unviewed.ID))
			assert.False(t, f.mediaExists(unviewed.MediaRef), "unviewed media must be purged")
			assert.False(t, f.snapExists(t, stranded.ID))
			assert.False(t, f.mediaExists(stranded.MediaRef), "media left behind by a view must be purged")
			assert.True(t, f.snapExists(t, fresh.ID))
			assert.True(t, f.mediaExists(fresh.MediaRef))
		})
	}
}

func TestDeleter_BlobFailureKeepsSnapForNextSweep(t *testing.T) {
	for name, factory := range snapStores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, factory(t))
			sn := f.deliver(t, "s1")
			f.clock.Advance(retention)

			f.blobs.setBroken(true)
			f.sweep(t)
			assert.True(t, f.snapExists(t, sn.ID), "snap must stay until its media is gone")
			assert.True(t, f.mediaExists(sn.MediaRef))

			f.blobs.setBroken(false)
			f.sweep(t)
			assert.False(t, f.snapExists(t, sn.ID))
			assert.False(t, f.mediaExists(sn.MediaRef))
		})
	}
}

func TestDeleter_LoadSkipsWorkInProgress(t *testing.T) {
	f := newFixture(t, snapStores()["Redis"](t))
	f.deliver(t, "s1")
	f.deliver(t, "s2")
	f.clock.Advance(retention)
	ctx := context.Background()

	jks, err := f.d.Load(ctx, 0)
	require.Nil(t, err)
	assert.Len(t, jks, 2)
	// both are in progress now
	jks, err = f.d.Load(ctx, 0)
	require.Nil(t, err)
	assert.Empty(t, jks)

	require.Nil(t, f.d.Delete(ctx, &md.Junk{SnapID: "s1"}))
	jks, err = f.d.Load(ctx, 0)
	require.Nil(t, err)
	assert.Empty(t, jks, "s1 is gone and s2 is still in progress")
}

func TestDeleter_Run(t *testing.T) {
	f := newFixture(t, snapStores()["Redis"](t))
	sn := f.deliver(t, "s1")
	f.clock.Advance(retention)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *se.Err, 1)
	go func() { done <- f.d.Run(ctx, 10*time.Millisecond) }()
	require.Eventually(t, func() bool { return !f.mediaExists(sn.MediaRef) }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deleter did not stop")
	}

	err := f.d.Run(context.Background(), 0)
	require.NotNil(t, err)
	assert.Equal(t, se.ErrCodeAPIBadRequest, err.Code)
}
