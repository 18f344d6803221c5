package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/spf13/viper"
	"wuyrush.io/snap/common/logging"
	cst "wuyrush.io/snap/constants"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
)

// SnapStore vends the interface to interact with snap records.
type SnapStore interface {
	// Create persists a delivered snap. Callers must only create a snap after its media is uploaded
	Create(ctx context.Context, s *md.Snap) *se.Err
	Get(ctx context.Context, snapID string) (*md.Snap, *se.Err)
	// ListPending returns the snaps still waiting for recipient to view, newest first. Snaps outside of
	// retention window as of now are never returned
	ListPending(ctx context.Context, recipientID string, now time.Time) ([]*md.Snap, *se.Err)
	// MarkViewed atomically flips the snap from delivered to viewed on behalf of caller. Among concurrent
	// callers at most one ever succeeds. It returns ErrCodeForbidden if caller is not the recipient, and
	// ErrCodeNotFound if the snap does not exist, is already viewed or had expired
	MarkViewed(ctx context.Context, snapID, callerID string, now time.Time) (*md.Snap, *se.Err)
	// ReleaseMedia forgets the media refs of the snap once its media is deleted. Until then Junk keeps
	// reporting them, so media of a viewed snap whose deletion never ran is purged after retention window
	ReleaseMedia(ctx context.Context, snapID string) *se.Err
	// Junk returns up to max snaps which had outlived retention window as of now, along with the media
	// refs not yet released; It returns all junk snaps when max == 0
	Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err)
	// Deregister removes the snap from SnapStore. Caller must ensure the snap media is cleaned up before
	// calling Deregister to avoid leaking media. Deregister must be idempotent
	Deregister(ctx context.Context, snapID string) *se.Err
	Close() *se.Err
}

// RedisSnapStore is a SnapStore implementation driven by Redis.
type RedisSnapStore struct {
	DB        *redis.Client
	Retention time.Duration
}

const (
	fieldNameSender    = "sender"
	fieldNameRecipient = "recipient"
	fieldNameMediaRef  = "mediaRef"
	fieldNameMediaKind = "mediaKind"
	fieldNameWindow    = "window"
	fieldNameStatus    = "status"
	fieldNameViewedAt  = "viewedAt"
	fieldNameCreatedAt = "createdAt"

	// redis key of the sorted set whose score is snap expiry in unix millis
	keySnapExpirySet = "snapExpirySet"
	// template of the hash holding snap data
	keyTmplSnap = `snap.%s`
	// template of the sorted set indexing a recipient's snaps by creation time
	keyTmplInbox = `inbox.%s`
	// template to form an unique identifier for snap media refs which are yet to be deleted
	keyTmplRefs = `refs.%s`
)

// markViewedScript performs the delivered -> viewed compare-and-swap. On success it also drops the snap from
// recipient inbox. Media refs and retention index entry stay until ReleaseMedia and Deregister respectively.
// Replies snap hash on success, 0 when snap is missing, no longer delivered or expired, -1 when caller is
// not the recipient.
//
// KEYS: snap hash, caller inbox
// ARGV: caller id, retention cutoff millis, viewedAt millis, snap id
var markViewedScript = redis.NewScript(`
local r = redis.call('HMGET', KEYS[1], 'recipient', 'status', 'createdAt')
if not r[1] then
	return 0
end
if r[1] ~= ARGV[1] then
	return -1
end
if r[2] ~= 'delivered' or tonumber(r[3]) <= tonumber(ARGV[2]) then
	return 0
end
redis.call('HMSET', KEYS[1], 'status', 'viewed', 'viewedAt', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
return redis.call('HGETALL', KEYS[1])
`)

func (s *RedisSnapStore) Create(ctx context.Context, sn *md.Snap) *se.Err {
	const errMsg = "error creating snap"
	clog := logging.WithFuncName().WithField("snapID", sn.ID)
	created := toMillis(sn.CreatedAt)
	refsByte, err := json.Marshal([]string{sn.MediaRef})
	if err != nil {
		clog.WithError(err).Error("error marshalling snap media references to json")
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	key := snapKey(sn.ID)
	if _, err := s.DB.WithContext(ctx).TxPipelined(func(p redis.Pipeliner) error {
		p.HMSet(key, map[string]interface{}{
			fieldNameSender:    sn.Sender,
			fieldNameRecipient: sn.Recipient,
			fieldNameMediaRef:  sn.MediaRef,
			fieldNameMediaKind: string(sn.MediaKind),
			fieldNameWindow:    sn.Window.String(),
			fieldNameStatus:    string(md.StatusDelivered),
			fieldNameCreatedAt: created,
		})
		// the record outlives retention window a bit so that sweeper always finds the refs of an expired
		// snap before Redis drops it
		p.Expire(key, s.Retention+time.Hour)
		p.ZAdd(inboxKey(sn.Recipient), redis.Z{Score: float64(created), Member: sn.ID})
		p.ZAdd(keySnapExpirySet, redis.Z{Score: float64(toMillis(sn.CreatedAt.Add(s.Retention))), Member: sn.ID})
		p.Set(refsKey(sn.ID), refsByte, time.Duration(0))
		return nil
	}); err != nil {
		clog.WithError(err).Error("error calling Redis to save snap")
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	return nil
}

func (s *RedisSnapStore) Get(ctx context.Context, snapID string) (*md.Snap, *se.Err) {
	clog := logging.WithFuncName().WithField("snapID", snapID)
	m, err := s.DB.WithContext(ctx).HGetAll(snapKey(snapID)).Result()
	if err != nil {
		msg := "error getting snap data"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	// if Redis had expired the snap the API will return an empty map
	if len(m) == 0 {
		return nil, se.NewNotFound(fmt.Sprintf("snap %s not found", snapID))
	}
	sn, perr := parseSnap(snapID, m)
	if perr != nil {
		clog.WithError(perr).Error("error parsing snap data")
		return nil, perr
	}
	return sn, nil
}

func (s *RedisSnapStore) ListPending(ctx context.Context, recipientID string, now time.Time) ([]*md.Snap, *se.Err) {
	const errMsg = "error listing pending snaps"
	clog := logging.WithFuncName().WithField("userID", recipientID)
	db := s.DB.WithContext(ctx)
	key := inboxKey(recipientID)
	cutoff := strconv.FormatInt(toMillis(now.Add(-s.Retention)), 10)
	// entries at or below cutoff are expired
	if _, err := db.ZRemRangeByScore(key, "-inf", cutoff).Result(); err != nil {
		clog.WithError(err).Error("error calling Redis to trim expired inbox entries")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	ids, err := db.ZRevRangeByScore(key, redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf"}).Result()
	if err != nil {
		clog.WithError(err).Error("error calling Redis to get inbox entries")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	if len(ids) == 0 {
		return []*md.Snap{}, nil
	}
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	if _, err := db.Pipelined(func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(snapKey(id))
		}
		return nil
	}); err != nil {
		clog.WithError(err).Error("error calling Redis to get pending snaps")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	snaps := make([]*md.Snap, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		sn, perr := parseSnap(ids[i], m)
		if perr != nil {
			clog.WithError(perr).WithField("snapID", ids[i]).Error("skipping unparsable snap")
			continue
		}
		if sn.Status != md.StatusDelivered || sn.Recipient != recipientID || sn.Expired(now, s.Retention) {
			continue
		}
		snaps = append(snaps, sn)
	}
	return snaps, nil
}

func (s *RedisSnapStore) MarkViewed(ctx context.Context, snapID, callerID string, now time.Time) (*md.Snap, *se.Err) {
	clog := logging.WithFuncName().WithFields(map[string]interface{}{"snapID": snapID, "userID": callerID})
	keys := []string{snapKey(snapID), inboxKey(callerID)}
	res, err := markViewedScript.Run(s.DB.WithContext(ctx), keys,
		callerID, toMillis(now.Add(-s.Retention)), toMillis(now), snapID).Result()
	if err != nil {
		msg := "error marking snap viewed"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	switch v := res.(type) {
	case int64:
		if v < 0 {
			return nil, se.NewForbidden(fmt.Sprintf("snap %s is not addressed to caller", snapID))
		}
		return nil, se.NewNotFound(fmt.Sprintf("snap %s not found", snapID))
	case []interface{}:
		m := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			m[k] = val
		}
		sn, perr := parseSnap(snapID, m)
		if perr != nil {
			clog.WithError(perr).Error("error parsing viewed snap")
			return nil, perr
		}
		return sn, nil
	default:
		msg := fmt.Sprintf("unexpected reply type %T from Redis", res)
		clog.Error(msg)
		return nil, se.NewServiceFailure(msg)
	}
}

func (s *RedisSnapStore) ReleaseMedia(ctx context.Context, snapID string) *se.Err {
	if err := s.DB.WithContext(ctx).Del(refsKey(snapID)).Err(); err != nil {
		msg := "error releasing snap media refs"
		logging.WithFuncName().WithField("snapID", snapID).WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	return nil
}

func (s *RedisSnapStore) Deregister(ctx context.Context, snapID string) *se.Err {
	const errMsg = "error deregistering snap"
	clog := logging.WithFuncName().WithField("snapID", snapID)
	// redis ignores DEL and ZREM upon non-existent keys
	if _, err := s.DB.WithContext(ctx).TxPipelined(func(p redis.Pipeliner) error {
		p.Del(refsKey(snapID))
		p.ZRem(keySnapExpirySet, snapID)
		p.Del(snapKey(snapID))
		return nil
	}); err != nil {
		clog.WithError(err).Error("error calling redis to remove snap")
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	return nil
}

func (s *RedisSnapStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	const errMsg = "error loading junk snaps"
	clog := logging.WithFuncName()
	if max < 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	// gather stale snap ids. Zero count means no LIMIT clause
	opt := redis.ZRangeBy{Min: "0", Max: strconv.FormatInt(toMillis(now), 10), Count: int64(max)}
	ids, err := s.DB.WithContext(ctx).ZRangeByScore(keySnapExpirySet, opt).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get ids of stale snaps")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	clog.WithField("ids", ids).Debug("done loading junk snap ids")
	jks := s.junk(ctx, ids)
	clog.WithField("count", len(jks)).Debug("done assembling junk snaps")
	return jks, nil
}

func (s *RedisSnapStore) junk(ctx context.Context, ids []string) []*md.Junk {
	clog := logging.WithFuncName()
	// this concurrency setup guarantees following ordering: ALL fetcher goroutines finish -> the goroutine
	// executing junk() gets the last junk -> waiter goroutine unblocks from wait and closes done channel
	fpsize := viper.GetInt(cst.EnvSnapJunkPoolSize)
	if fpsize <= 0 {
		fpsize = 1
	}
	quotas := make(chan struct{}, fpsize)
	jkChan, done := make(chan *md.Junk), make(chan struct{})
	var (
		wg     sync.WaitGroup
		errcnt int64
		mu     sync.Mutex
	)
	wg.Add(len(ids))
	// waiter
	go func() {
		wg.Wait()
		close(done)
	}()
	db := s.DB.WithContext(ctx)
	for _, snapID := range ids {
		go func(snapID string) {
			// NOTE individual worker should be responsible for acquiring quota otherwise we risk blocking
			// goroutine executing the enclosing function(in this case `junk()`)
			quotas <- struct{}{}
			defer func() { <-quotas }()
			defer wg.Done()
			refs := []string{}
			refsStr, err := db.Get(refsKey(snapID)).Result()
			if err != nil && err != redis.Nil {
				clog.WithError(err).WithField("snapID", snapID).Error("error getting snap media refs from redis")
				mu.Lock()
				errcnt++
				mu.Unlock()
				return
			}
			// refs are gone once the media of a viewed snap was deleted
			if err == nil {
				if err := json.Unmarshal([]byte(refsStr), &refs); err != nil {
					clog.WithError(err).WithField("snapID", snapID).Error("error unmarshal snap media refs")
					mu.Lock()
					errcnt++
					mu.Unlock()
					return
				}
			}
			jkChan <- &md.Junk{SnapID: snapID, BlobRefs: refs}
		}(snapID)
	}
	// goroutine executing this function to collect assembled junk snaps
	jks := make([]*md.Junk, 0, len(ids))
	for {
		select {
		case jk := <-jkChan:
			jks = append(jks, jk)
		case <-done:
			if errcnt > 0 {
				clog.Errorf("got %d errors when retrieving junk snap media refs from redis. See log before time %s",
					errcnt, time.Now().UTC())
			}
			return jks
		}
	}
}

func (s *RedisSnapStore) Close() *se.Err {
	if err := s.DB.Close(); err != nil {
		return se.NewServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}

func parseSnap(snapID string, m map[string]string) (*md.Snap, *se.Err) {
	sn := &md.Snap{
		ID:        snapID,
		Sender:    m[fieldNameSender],
		Recipient: m[fieldNameRecipient],
		MediaRef:  m[fieldNameMediaRef],
		MediaKind: md.MediaKind(m[fieldNameMediaKind]),
		Status:    md.Status(m[fieldNameStatus]),
	}
	w, err := md.ParseViewWindow(m[fieldNameWindow])
	if err != nil {
		return nil, se.NewServiceFailure("error unmarshalling snap view window").WithCause(err)
	}
	sn.Window = w
	created, err := strconv.ParseInt(m[fieldNameCreatedAt], 10, 64)
	if err != nil {
		return nil, se.NewServiceFailure("error unmarshalling snap creation time").WithCause(err)
	}
	sn.CreatedAt = fromMillis(created)
	if v := m[fieldNameViewedAt]; v != "" {
		viewed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, se.NewServiceFailure("error unmarshalling snap view time").WithCause(err)
		}
		t := fromMillis(viewed)
		sn.ViewedAt = &t
	}
	return sn, nil
}

func snapKey(snapID string) string {
	return fmt.Sprintf(keyTmplSnap, snapID)
}

func inboxKey(userID string) string {
	return fmt.Sprintf(keyTmplInbox, userID)
}

func refsKey(snapID string) string {
	return fmt.Sprintf(keyTmplRefs, snapID)
}

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
