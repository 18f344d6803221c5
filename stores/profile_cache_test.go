package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
)

type mockSummarizer struct{ mock.Mock }

func (m *mockSummarizer) Summaries(ctx context.Context, ids []string) ([]md.UserSummary, *se.Err) {
	args := m.Called(ids)
	return args.Get(0).([]md.UserSummary), args.Get(1).(*se.Err)
}

func TestProfileCache(t *testing.T) {
	ctx := context.Background()
	alice := md.UserSummary{ID: "u1", Username: "alice"}
	bob := md.UserSummary{ID: "u2", Username: "bob"}
	src := &mockSummarizer{}
	src.On("Summaries", []string{"u1", "ghost"}).Return([]md.UserSummary{alice}, (*se.Err)(nil)).Once()
	src.On("Summaries", []string{"u2", "ghost"}).Return([]md.UserSummary{bob}, (*se.Err)(nil)).Once()
	pc := NewProfileCache(src, 16, time.Minute)

	sums, err := pc.Summaries(ctx, []string{"u1", "ghost", "u1"})
	require.Nil(t, err)
	assert.Equal(t, map[string]md.UserSummary{"u1": alice}, sums)

	// u1 is served from cache from now on
	sums, err = pc.Summaries(ctx, []string{"u1", "u2", "ghost"})
	require.Nil(t, err)
	assert.Equal(t, map[string]md.UserSummary{"u1": alice, "u2": bob}, sums)

	s, err := pc.Summary(ctx, "u2")
	require.Nil(t, err)
	assert.Equal(t, bob, s)
	src.AssertExpectations(t)
}

func TestProfileCache_UnknownUser(t *testing.T) {
	src := &mockSummarizer{}
	src.On("Summaries", []string{"ghost"}).Return([]md.UserSummary{}, (*se.Err)(nil))
	pc := NewProfileCache(src, 16, time.Minute)
	_, err := pc.Summary(context.Background(), "ghost")
	require.NotNil(t, err)
	assert.Equal(t, se.ErrCodeNotFound, err.Code)
}
