package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/submission-hub/internal/model"
)

func newRedisOutcomeRepo(t *testing.T) (OutcomeRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisOutcomeRepository(client, time.Hour), mr
}

func outcomeRepos(t *testing.T) map[string]OutcomeRepository {
	redisRepo, _ := newRedisOutcomeRepo(t)
	return map[string]OutcomeRepository{
		"redis":  redisRepo,
		"memory": NewMemoryOutcomeRepository(time.Hour),
	}
}

func statuses(outs []model.ChannelOutcome) map[model.Channel]model.OutcomeStatus {
	m := make(map[model.Channel]model.OutcomeStatus, len(outs))
	for _, o := range outs {
		m[o.Channel] = o.Status
	}
	return m
}

func TestOutcomeRepository_Lifecycle(t *testing.T) {
	for name, repo := range outcomeRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chans := []model.Channel{model.ChannelSlack, model.ChannelInApp, model.ChannelEmail}
			require.NoError(t, repo.MarkPending(ctx, "sub-1", chans))

			outs, err := repo.List(ctx, "sub-1")
			require.NoError(t, err)
			require.Len(t, outs, 3)
			assert.Equal(t, model.ChannelInApp, outs[0].Channel)
			assert.Equal(t, model.ChannelEmail, outs[1].Channel)
			assert.Equal(t, model.ChannelSlack, outs[2].Channel)
			for _, o := range outs {
				assert.Equal(t, model.OutcomePending, o.Status)
			}

			require.NoError(t, repo.Record(ctx, "sub-1", model.ChannelInApp, model.OutcomeSent))
			require.NoError(t, repo.Record(ctx, "sub-1", model.ChannelEmail, model.OutcomeFailed))

			outs, err = repo.List(ctx, "sub-1")
			require.NoError(t, err)
			assert.Equal(t, map[model.Channel]model.OutcomeStatus{
				model.ChannelInApp: model.OutcomeSent,
				model.ChannelEmail: model.OutcomeFailed,
				model.ChannelSlack: model.OutcomePending,
			}, statuses(outs))
		})
	}
}

func TestOutcomeRepository_TerminalIsFinal(t *testing.T) {
	for name, repo := range outcomeRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.MarkPending(ctx, "sub-2", []model.Channel{model.ChannelSMS}))
			require.NoError(t, repo.Record(ctx, "sub-2", model.ChannelSMS, model.OutcomeFailed))
			require.NoError(t, repo.Record(ctx, "sub-2", model.ChannelSMS, model.OutcomeSent))
			require.NoError(t, repo.MarkPending(ctx, "sub-2", []model.Channel{model.ChannelSMS}))

			outs, err := repo.List(ctx, "sub-2")
			require.NoError(t, err)
			require.Len(t, outs, 1)
			assert.Equal(t, model.OutcomeFailed, outs[0].Status)
		})
	}
}

func TestOutcomeRepository_UnknownSubmission(t *testing.T) {
	for name, repo := range outcomeRepos(t) {
		t.Run(name, func(t *testing.T) {
			outs, err := repo.List(context.Background(), "missing")
			require.NoError(t, err)
			assert.Empty(t, outs)
		})
	}
}

func TestRedisOutcomeRepository_KeyAndTTL(t *testing.T) {
	repo, mr := newRedisOutcomeRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.MarkPending(ctx, "sub-3", []model.Channel{model.ChannelTelegram}))
	require.NoError(t, repo.Record(ctx, "sub-3", model.ChannelTelegram, model.OutcomeSent))

	key := "submission:sub-3:channels"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))
	assert.Contains(t, mr.HGet(key, "telegram"), `"status":"sent"`)

	mr.FastForward(2 * time.Hour)
	outs, err := repo.List(ctx, "sub-3")
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestMemoryOutcomeRepository_Expires(t *testing.T) {
	repo := NewMemoryOutcomeRepository(50 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, repo.MarkPending(ctx, "sub-4", []model.Channel{model.ChannelDiscord}))

	outs, err := repo.List(ctx, "sub-4")
	require.NoError(t, err)
	require.Len(t, outs, 1)

	require.Eventually(t, func() bool {
		outs, err := repo.List(ctx, "sub-4")
		return err == nil && len(outs) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMemoryOutcomeRepository_WriteRefreshesTTL(t *testing.T) {
	repo := NewMemoryOutcomeRepository(200 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, repo.MarkPending(ctx, "sub-5", []model.Channel{model.ChannelEmail}))

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, repo.Record(ctx, "sub-5", model.ChannelEmail, model.OutcomeSent))
	time.Sleep(120 * time.Millisecond)

	outs, err := repo.List(ctx, "sub-5")
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, model.OutcomeSent, outs[0].Status)
}
