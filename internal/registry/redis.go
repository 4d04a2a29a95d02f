package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/musicgen/internal/model"
)

const (
	activeTTL        = 24 * time.Hour
	maxUpdateRetries = 10
)

// Redis stores task records as JSON under task:<id>. Updates use
// WATCH/MULTI so concurrent readers only ever see whole records.
type Redis struct {
	rdb         *redis.Client
	terminalTTL time.Duration
	now         func() time.Time
}

func NewRedis(rdb *redis.Client, terminalTTL time.Duration) *Redis {
	if terminalTTL <= 0 {
		terminalTTL = activeTTL
	}
	return &Redis{rdb: rdb, terminalTTL: terminalTTL, now: time.Now}
}

func taskKey(id string) string {
	return fmt.Sprintf("task:%s", id)
}

func (r *Redis) Create(ctx context.Context) (*model.Task, error) {
	for {
		t := model.NewTask(uuid.New().String(), r.now().UTC())
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		ok, err := r.rdb.SetNX(ctx, taskKey(t.ID), data, activeTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to save task: %w", err)
		}
		if ok {
			return t, nil
		}
	}
}

func (r *Redis) Get(ctx context.Context, id string) (*model.Task, error) {
	return r.load(ctx, r.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) load(ctx context.Context, g getter, id string) (*model.Task, error) {
	data, err := g.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return &t, nil
}

func (r *Redis) Update(ctx context.Context, id string, fn Mutator) (*model.Task, error) {
	key := taskKey(id)
	var result *model.Task

	txf := func(tx *redis.Tx) error {
		prev, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := apply(prev, fn, r.now().UTC())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		ttl := activeTTL
		if next.Status.IsTerminal() {
			ttl = r.terminalTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to update task %s: too much contention", id)
}
