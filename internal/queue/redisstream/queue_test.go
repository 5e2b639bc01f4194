package redisstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// fakeRedis models one stream with a single consumer group and one sorted set.
type fakeRedis struct {
	mu        sync.Mutex
	groupMade bool
	seq       int
	stream    []redis.XMessage
	delivered int
	acked     map[string]bool
	zset      map[string]float64
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{acked: map[string]bool{}, zset: map[string]float64{}}
}

func (f *fakeRedis) XGroupCreateMkStream(context.Context, string, string, string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupMade {
		return redis.NewStatusResult("", fmt.Errorf("%s", busyGroup))
	}
	f.groupMade = true
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	values, _ := a.Values.(map[string]any)
	f.stream = append(f.stream, redis.XMessage{ID: id, Values: values})
	return redis.NewStringResult(id, nil)
}

func (f *fakeRedis) XReadGroup(_ context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delivered >= len(f.stream) {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	msg := f.stream[f.delivered]
	f.delivered++
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: []redis.XMessage{msg}}}, nil)
}

func (f *fakeRedis) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.acked[id] = true
	}
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeRedis) ZAdd(_ context.Context, _ string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		f.zset[m.Member.(string)] = m.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) ZRangeByScore(_ context.Context, _ string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var limit float64
	_, _ = fmt.Sscan(opt.Max, &limit)
	var out []string
	for m, score := range f.zset {
		if score <= limit {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeRedis) ZRem(_ context.Context, _ string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range members {
		if _, ok := f.zset[m.(string)]; ok {
			delete(f.zset, m.(string))
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestQueueRoundTripAndAck(t *testing.T) {
	t.Parallel()

	rdb := newFakeRedis()
	q, err := newWithClient(context.Background(), rdb, Config{}, zap.NewNop())
	require.NoError(t, err)

	// A second queue on the same group tolerates BUSYGROUP.
	_, err = newWithClient(context.Background(), rdb, Config{}, zap.NewNop())
	require.NoError(t, err)

	unit := harvest.WorkUnit{ID: "u1", JobID: "job-1", RunID: "run-1", Kind: harvest.UnitExtract, ProfileID: "p1", Cursor: "10"}
	require.NoError(t, q.Enqueue(context.Background(), unit))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1-0", got.Receipt)
	got.Receipt = ""
	require.Equal(t, unit, got)

	require.NoError(t, q.Ack(context.Background(), harvest.WorkUnit{Receipt: "1-0"}))
	require.True(t, rdb.acked["1-0"])
	require.NoError(t, q.Close())
	require.True(t, rdb.closed)
}

func TestQueuePromotesDelayedUnitsWhenDue(t *testing.T) {
	t.Parallel()

	rdb := newFakeRedis()
	q, err := newWithClient(context.Background(), rdb, Config{Block: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	q.now = func() time.Time { return now }

	require.NoError(t, q.EnqueueAfter(context.Background(), harvest.WorkUnit{ID: "later"}, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx)
	require.Error(t, err, "unit must not be visible before its delay")

	now = now.Add(time.Minute)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "later", got.ID)
	require.Empty(t, rdb.zset)
}

func TestQueueSkipsMalformedMessages(t *testing.T) {
	t.Parallel()

	rdb := newFakeRedis()
	q, err := newWithClient(context.Background(), rdb, Config{}, zap.NewNop())
	require.NoError(t, err)

	rdb.XAdd(context.Background(), &redis.XAddArgs{Values: map[string]any{"unit": "{not json"}})
	require.NoError(t, q.Enqueue(context.Background(), harvest.WorkUnit{ID: "ok"}))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", got.ID)
	require.True(t, rdb.acked["1-0"], "malformed message is acked away")
}
