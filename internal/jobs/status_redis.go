package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// transitionScript moves a processing job to a terminal state atomically.
// Returns 1 on success, 0 if already settled, -1 if the key is missing.
var transitionScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'message', ARGV[2], 'output', ARGV[3], 'updated', ARGV[4])
return 1
`)

// createScript writes a new processing record with its TTL in one step.
// Returns 0 when the key already exists.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'message', ARGV[2], 'created', ARGV[3], 'updated', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisStore keeps job records in Redis hashes with a TTL. Keys carry a
// per-process instance id, so a restarted process starts with an empty view.
type RedisStore struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: c, keyNS: "docpdf:" + uuid.NewString(), ttl: ttl}, nil
}

func (s *RedisStore) key(id string) string { return fmt.Sprintf("%s:job:%s", s.keyNS, id) }

func (s *RedisStore) Create(ctx context.Context, id string) error {
	now := time.Now().Format(time.RFC3339Nano)
	ok, err := createScript.Run(ctx, s.client, []string{s.key(id)},
		string(StatusProcessing), msgProcessing, now, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("create job %s: %w", id, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, id, outputName string) {
	s.transition(ctx, id, StatusCompleted, msgCompleted, outputName)
}

func (s *RedisStore) Fail(ctx context.Context, id, message string) {
	s.transition(ctx, id, StatusFailed, message, "")
}

func (s *RedisStore) transition(ctx context.Context, id string, to Status, message, outputName string) {
	res, err := transitionScript.Run(ctx, s.client, []string{s.key(id)},
		string(to), message, outputName, time.Now().Format(time.RFC3339Nano)).Int()
	switch {
	case err != nil:
		log.Error().Err(err).Str("job_id", id).Str("to", string(to)).Msg("job transition failed")
	case res == -1:
		log.Warn().Str("job_id", id).Str("to", string(to)).Msg("transition for unknown job ignored")
	case res == 0:
		log.Warn().Str("job_id", id).Str("to", string(to)).Msg("job already settled; transition ignored")
	}
}

func (s *RedisStore) Get(ctx context.Context, id string) (Job, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(res) == 0 {
		return Job{}, false, nil
	}
	j := Job{
		ID:         id,
		Status:     Status(res["status"]),
		Message:    res["message"],
		OutputName: res["output"],
	}
	if t, err := time.Parse(time.RFC3339Nano, res["created"]); err == nil {
		j.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, res["updated"]); err == nil {
		j.UpdatedAt = t
	}
	return j, true, nil
}

// Prune is a no-op; keys expire on their own TTL.
func (s *RedisStore) Prune(context.Context, time.Time) int { return 0 }

// Ping checks redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.client.Close() }
