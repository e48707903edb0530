package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/submission-hub/internal/model"
)

// OutcomeRepository 记录每个渠道的投递状态：pending -> sent | failed，只迁移一次
type OutcomeRepository interface {
	MarkPending(ctx context.Context, submissionID string, channels []model.Channel) error
	Record(ctx context.Context, submissionID string, ch model.Channel, status model.OutcomeStatus) error
	List(ctx context.Context, submissionID string) ([]model.ChannelOutcome, error)
}

type outcomeValue struct {
	Status    model.OutcomeStatus `json:"status"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func outcomeKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:channels", submissionID)
}

// 只有当前值为 pending（或不存在）时才写入终态
var recordScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and string.find(cur, '"status":"pending"', 1, true) == nil then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

type redisOutcomeRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisOutcomeRepository(client *redis.Client, ttl time.Duration) OutcomeRepository {
	if ttl <= 0 {
		ttl = DefaultOutcomeTTL
	}
	return &redisOutcomeRepository{client: client, ttl: ttl}
}

func (r *redisOutcomeRepository) MarkPending(ctx context.Context, submissionID string, channels []model.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	key := outcomeKey(submissionID)
	now := time.Now().UTC()
	pipe := r.client.TxPipeline()
	for _, ch := range channels {
		payload, err := json.Marshal(outcomeValue{Status: model.OutcomePending, UpdatedAt: now})
		if err != nil {
			return err
		}
		pipe.HSetNX(ctx, key, string(ch), payload)
	}
	pipe.Expire(ctx, key, r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisOutcomeRepository) Record(ctx context.Context, submissionID string, ch model.Channel, status model.OutcomeStatus) error {
	payload, err := json.Marshal(outcomeValue{Status: status, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return recordScript.Run(ctx, r.client,
		[]string{outcomeKey(submissionID)},
		string(ch), string(payload), int(r.ttl.Seconds()),
	).Err()
}

func (r *redisOutcomeRepository) List(ctx context.Context, submissionID string) ([]model.ChannelOutcome, error) {
	vals, err := r.client.HGetAll(ctx, outcomeKey(submissionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.ChannelOutcome, 0, len(vals))
	for ch, raw := range vals {
		var v outcomeValue
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out = append(out, model.ChannelOutcome{Channel: model.Channel(ch), Status: v.Status, UpdatedAt: v.UpdatedAt})
	}
	sortOutcomes(out)
	return out, nil
}

// DefaultOutcomeTTL 渠道结果保留时长
const DefaultOutcomeTTL = 7 * 24 * time.Hour

const memoryOutcomeCapacity = 100000

// memoryOutcomeRepository 未启用 Redis 时的进程内实现，重启即丢失。
// 与 Redis 一样按提交过期，每次写入刷新过期时间
type memoryOutcomeRepository struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, map[model.Channel]outcomeValue]
}

func NewMemoryOutcomeRepository(ttl time.Duration) OutcomeRepository {
	if ttl <= 0 {
		ttl = DefaultOutcomeTTL
	}
	return &memoryOutcomeRepository{
		cache: expirable.NewLRU[string, map[model.Channel]outcomeValue](memoryOutcomeCapacity, nil, ttl),
	}
}

func (r *memoryOutcomeRepository) MarkPending(_ context.Context, submissionID string, channels []model.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.cache.Get(submissionID)
	if !ok {
		m = make(map[model.Channel]outcomeValue, len(channels))
	}
	now := time.Now().UTC()
	for _, ch := range channels {
		if _, exists := m[ch]; !exists {
			m[ch] = outcomeValue{Status: model.OutcomePending, UpdatedAt: now}
		}
	}
	r.cache.Add(submissionID, m)
	return nil
}

func (r *memoryOutcomeRepository) Record(_ context.Context, submissionID string, ch model.Channel, status model.OutcomeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.cache.Get(submissionID)
	if !ok {
		m = make(map[model.Channel]outcomeValue)
	}
	if cur, exists := m[ch]; exists && cur.Status != model.OutcomePending {
		return nil
	}
	m[ch] = outcomeValue{Status: status, UpdatedAt: time.Now().UTC()}
	r.cache.Add(submissionID, m)
	return nil
}

func (r *memoryOutcomeRepository) List(_ context.Context, submissionID string) ([]model.ChannelOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, _ := r.cache.Get(submissionID)
	out := make([]model.ChannelOutcome, 0, len(m))
	for ch, v := range m {
		out = append(out, model.ChannelOutcome{Channel: ch, Status: v.Status, UpdatedAt: v.UpdatedAt})
	}
	sortOutcomes(out)
	return out, nil
}

// sortOutcomes 按固定派发顺序排列
func sortOutcomes(out []model.ChannelOutcome) {
	rank := make(map[model.Channel]int, len(model.NotificationChannels))
	for i, ch := range model.NotificationChannels {
		rank[ch] = i
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i].Channel] < rank[out[j].Channel] })
}
