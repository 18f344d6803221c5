package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
)

var testNow = time.Date(2020, time.April, 1, 12, 0, 0, 0, time.UTC)

const testRetention = 24 * time.Hour

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestSnap(id, sender, recipient string, createdAt time.Time) *md.Snap {
	return &md.Snap{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		MediaRef:  "media/" + id + ".jpg",
		MediaKind: md.MediaKindImage,
		Window:    md.Timed(10),
		Status:    md.StatusDelivered,
		CreatedAt: createdAt,
	}
}

// snapStoreFactories yields SnapStore implementations which must behave identically
func snapStoreFactories() map[string]func(t *testing.T) SnapStore {
	return map[string]func(t *testing.T) SnapStore{
		"Redis": func(t *testing.T) SnapStore {
			_, client := newTestRedis(t)
			return &RedisSnapStore{DB: client, Retention: testRetention}
		},
		"SQL": func(t *testing.T) SnapStore {
			s, err := NewSQLSnapStore(sqliteTestDSN(t), testRetention)
			require.Nil(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestSnapStore_CreateAndGet(t *testing.T) {
	for name, factory := range snapStoreFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			sn := newTestSnap("snap1", "alice", "bob", testNow)
			sn.Window = md.NonExpiring()
			require.Nil(t, s.Create(ctx, sn))

			got, err := s.Get(ctx, "snap1")
			require.Nil(t, err)
			assert.Equal(t, "alice", got.Sender)
			assert.Equal(t, "bob", got.Recipient)
			assert.Equal(t, sn.MediaRef, got.MediaRef)
			assert.Equal(t, md.MediaKindImage, got.MediaKind)
			assert.True(t, got.Window.IsNonExpiring())
			assert.Equal(t, md.StatusDelivered, got.Status)
			assert.Nil(t, got.ViewedAt)
			assert.True(t, testNow.Equal(got.CreatedAt), "unexpected creation time %s", got.CreatedAt)

			_, err = s.Get(ctx, "nope")
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeNotFound, err.Code)
		})
	}
}

func TestSnapStore_ListPending(t *testing.T) {
	for name, factory := range snapStoreFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.Nil(t, s.Create(ctx, newTestSnap("old", "alice", "bob", testNow.Add(-2*time.Hour))))
			require.Nil(t, s.Create(ctx, newTestSnap("new", "carol", "bob", testNow.Add(-time.Hour))))
			require.Nil(t, s.Create(ctx, newTestSnap("expired", "alice", "bob", testNow.Add(-25*time.Hour))))
			require.Nil(t, s.Create(ctx, newTestSnap("others", "alice", "carol", testNow)))

			snaps, err := s.ListPending(ctx, "bob", testNow)
			require.Nil(t, err)
			ids := []string{}
			for _, sn := range snaps {
				ids = append(ids, sn.ID)
			}
			assert.Equal(t, []string{"new", "old"}, ids, "pending snaps should be listed newest first")

			_, err = s.MarkViewed(ctx, "new", "bob", testNow)
			require.Nil(t, err)
			snaps, err = s.ListPending(ctx, "bob", testNow)
			require.Nil(t, err)
			require.Len(t, snaps, 1)
			assert.Equal(t, "old", snaps[0].ID, "viewed snap should be gone from pending list")

			snaps, err = s.ListPending(ctx, "nobody", testNow)
			require.Nil(t, err)
			assert.Empty(t, snaps)
		})
	}
}

func TestSnapStore_MarkViewed(t *testing.T) {
	tcs := []struct {
		name       string
		snap       *md.Snap
		caller     string
		viewTwice  bool
		expErrCode se.ErrCode
	}{
		{
			name:   "HappyCase",
			snap:   newTestSnap("s", "alice", "bob", testNow.Add(-time.Minute)),
			caller: "bob",
		},
		{
			name:       "NotRecipient",
			snap:       newTestSnap("s", "alice", "bob", testNow.Add(-time.Minute)),
			caller:     "alice",
			expErrCode: se.ErrCodeForbidden,
		},
		{
			name:       "AlreadyViewed",
			snap:       newTestSnap("s", "alice", "bob", testNow.Add(-time.Minute)),
			caller:     "bob",
			viewTwice:  true,
			expErrCode: se.ErrCodeNotFound,
		},
		{
			name:       "Expired",
			snap:       newTestSnap("s", "alice", "bob", testNow.Add(-testRetention)),
			caller:     "bob",
			expErrCode: se.ErrCodeNotFound,
		},
		{
			name:       "Missing",
			caller:     "bob",
			expErrCode: se.ErrCodeNotFound,
		},
	}
	for name, factory := range snapStoreFactories() {
		for _, c := range tcs {
			t.Run(name+"/"+c.name, func(t *testing.T) {
				ctx := context.Background()
				s := factory(t)
				if c.snap != nil {
					require.Nil(t, s.Create(ctx, c.snap))
				}
				if c.viewTwice {
					_, err := s.MarkViewed(ctx, "s", c.caller, testNow)
					require.Nil(t, err)
				}
				sn, err := s.MarkViewed(ctx, "s", c.caller, testNow)
				if c.expErrCode != "" {
					require.NotNil(t, err)
					assert.Equal(t, c.expErrCode, err.Code)
					assert.Nil(t, sn)
					return
				}
				require.Nil(t, err)
				assert.Equal(t, md.StatusViewed, sn.Status)
				require.NotNil(t, sn.ViewedAt)
				assert.True(t, testNow.Equal(*sn.ViewedAt))
				assert.Equal(t, c.snap.MediaRef, sn.MediaRef)
			})
		}
	}
}

func TestSnapStore_MarkViewedConcurrently(t *testing.T) {
	const viewers = 16
	for name, factory := range snapStoreFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.Nil(t, s.Create(ctx, newTestSnap("hot", "alice", "bob", testNow)))
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				won      int
				notFound int
			)
			start := make(chan struct{})
			wg.Add(viewers)
			for i := 0; i < viewers; i++ {
				go func() {
					defer wg.Done()
					<-start
					_, err := s.MarkViewed(ctx, "hot", "bob", testNow)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						won++
					} else if err.Code == se.ErrCodeNotFound {
						notFound++
					}
				}()
			}
			close(start)
			wg.Wait()
			assert.Equal(t, 1, won, "exactly one viewer should win")
			assert.Equal(t, viewers-1, notFound)
		})
	}
}

func TestSnapStore_JunkAndDeregister(t *testing.T) {
	for name, factory := range snapStoreFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			unviewed := newTestSnap("unviewed", "alice", "bob", testNow.Add(-25*time.Hour))
			viewed := newTestSnap("viewed", "alice", "bob", testNow.Add(-23*time.Hour))
			stranded := newTestSnap("stranded", "alice", "bob", testNow.Add(-23*time.Hour))
			fresh := newTestSnap("fresh", "alice", "bob", testNow)
			for _, sn := range []*md.Snap{unviewed, viewed, stranded, fresh} {
				require.Nil(t, s.Create(ctx, sn))
			}
			for _, id := range []string{"viewed", "stranded"} {
				_, err := s.MarkViewed(ctx, id, "bob", testNow)
				require.Nil(t, err)
			}
			// media of the stranded snap was never deleted
			require.Nil(t, s.ReleaseMedia(ctx, "viewed"))
			require.Nil(t, s.ReleaseMedia(ctx, "viewed"), "release must be idempotent")

			// two hours later the viewed snap is outside of retention window as well
			later := testNow.Add(2 * time.Hour)
			jks, err := s.Junk(ctx, later, 10)
			require.Nil(t, err)
			refs := map[string][]string{}
			for _, jk := range jks {
				refs[jk.SnapID] = jk.BlobRefs
			}
			assert.Equal(t, []string{unviewed.MediaRef}, refs["unviewed"], "never viewed snap still owns its media")
			assert.Equal(t, []string{stranded.MediaRef}, refs["stranded"], "unreleased media must be swept")
			require.Contains(t, refs, "viewed")
			assert.Empty(t, refs["viewed"], "released media must not be deleted again")
			assert.NotContains(t, refs, "fresh")

			_, err = s.Junk(ctx, later, -1)
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeAPIBadRequest, err.Code)

			for _, jk := range jks {
				require.Nil(t, s.Deregister(ctx, jk.SnapID))
				// idempotent
				require.Nil(t, s.Deregister(ctx, jk.SnapID))
			}
			jks, err = s.Junk(ctx, later, 0)
			require.Nil(t, err)
			assert.Empty(t, jks)
			_, err = s.Get(ctx, "unviewed")
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeNotFound, err.Code)
		})
	}
}

func TestRedisSnapStore_ViewedSnapKeepsMediaRefsUntilReleased(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := &RedisSnapStore{DB: client, Retention: testRetention}
	require.Nil(t, s.Create(ctx, newTestSnap("s", "alice", "bob", testNow)))
	assert.True(t, mr.Exists(refsKey("s")))

	_, err := s.MarkViewed(ctx, "s", "bob", testNow)
	require.Nil(t, err)
	assert.True(t, mr.Exists(refsKey("s")), "media refs stay until media is deleted")
	members, _ := mr.ZMembers(keySnapExpirySet)
	assert.Contains(t, members, "s")
	inbox, _ := mr.ZMembers(inboxKey("bob"))
	assert.NotContains(t, inbox, "s")
	status := mr.HGet(snapKey("s"), fieldNameStatus)
	assert.Equal(t, string(md.StatusViewed), status)
	assert.True(t, mr.TTL(snapKey("s")) > 0, "snap record should expire on its own")

	require.Nil(t, s.ReleaseMedia(ctx, "s"))
	assert.False(t, mr.Exists(refsKey("s")))
}

func TestSQLSnapStore_FailedViewReadRollsBackSwap(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLSnapStore(sqliteTestDSN(t), testRetention)
	require.Nil(t, err)
	t.Cleanup(func() { s.Close() })
	require.Nil(t, s.Create(ctx, newTestSnap("s", "alice", "bob", testNow)))

	// every read fails while the callback is registered
	const cbName = "test:failReads"
	require.NoError(t, s.DB.Callback().Query().Before("gorm:query").Register(cbName, func(db *gorm.DB) {
		db.AddError(errors.New("disk I/O error"))
	}))
	_, err = s.MarkViewed(ctx, "s", "bob", testNow)
	require.NotNil(t, err)
	assert.Equal(t, se.ErrCodeServiceFailure, err.Code)
	require.NoError(t, s.DB.Callback().Query().Remove(cbName))

	// the snap is still there for its recipient to view
	sn, err := s.MarkViewed(ctx, "s", "bob", testNow)
	require.Nil(t, err)
	assert.Equal(t, md.StatusViewed, sn.Status)
}
