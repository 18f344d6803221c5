package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
)

// Summarizer vends user summaries
type Summarizer interface {
	Summaries(ctx context.Context, userIDs []string) ([]md.UserSummary, *se.Err)
}

// ProfileCache fronts a Summarizer with an in-process LRU cache, since the same few senders show up on
// every inbox listing and notification
type ProfileCache struct {
	src    Summarizer
	cache  gcache.Cache
	expiry time.Duration
}

func NewProfileCache(src Summarizer, size int, expiry time.Duration) *ProfileCache {
	if size <= 0 {
		size = 1
	}
	return &ProfileCache{src: src, cache: gcache.New(size).LRU().Build(), expiry: expiry}
}

// Summary returns the summary of one user, failing with ErrCodeNotFound for unknown users
func (c *ProfileCache) Summary(ctx context.Context, userID string) (md.UserSummary, *se.Err) {
	sums, err := c.Summaries(ctx, []string{userID})
	if err != nil {
		return md.UserSummary{}, err
	}
	s, ok := sums[userID]
	if !ok {
		return md.UserSummary{}, se.NewNotFound(fmt.Sprintf("user %s not found", userID))
	}
	return s, nil
}

// Summaries returns the summaries of given users keyed by user id. Unknown users are left out
func (c *ProfileCache) Summaries(ctx context.Context, userIDs []string) (map[string]md.UserSummary, *se.Err) {
	res := make(map[string]md.UserSummary, len(userIDs))
	misses, seen := []string{}, make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		v, err := c.cache.Get(id)
		if err == nil {
			res[id] = v.(md.UserSummary)
			continue
		}
		if err != gcache.KeyNotFoundError {
			logging.WithFuncName().WithError(err).Warn("error reading profile cache")
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return res, nil
	}
	sums, err := c.src.Summaries(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, s := range sums {
		res[s.ID] = s
		// best-effort; a failed cache write only costs another lookup
		if err := c.cache.SetWithExpire(s.ID, s, c.expiry); err != nil {
			logging.WithFuncName().WithError(err).WithField("userID", s.ID).Warn("error caching profile")
		}
	}
	return res, nil
}
