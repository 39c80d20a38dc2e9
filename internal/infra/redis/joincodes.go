package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JoinCodes reserves join codes in Redis so two instances never hand out the
// same code. A reservation expires on its own after ttl.
type JoinCodes struct {
	client *redis.Client
	ttl    time.Duration
}

func NewJoinCodes(client *redis.Client, ttl time.Duration) *JoinCodes {
	return &JoinCodes{client: client, ttl: ttl}
}

// Reserve claims code for sessionID and reports whether it was free.
func (j *JoinCodes) Reserve(ctx context.Context, code, sessionID string) (bool, error) {
	ok, err := j.client.SetNX(ctx, j.key(code), sessionID, j.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve join code: %w", err)
	}
	return ok, nil
}

func (j *JoinCodes) Release(ctx context.Context, code string) error {
	if err := j.client.Del(ctx, j.key(code)).Err(); err != nil {
		return fmt.Errorf("release join code: %w", err)
	}
	return nil
}

// Owner returns the session holding code, or "" when the code is free.
func (j *JoinCodes) Owner(ctx context.Context, code string) (string, error) {
	id, err := j.client.Get(ctx, j.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup join code: %w", err)
	}
	return id, nil
}

func (j *JoinCodes) key(code string) string {
	return "livequiz:joincode:" + code
}
