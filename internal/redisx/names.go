package redisx

import (
	"context"
	"errors"
	"fmt"
	"github.com/redis/go-redis/v9"
)

// NameDirectory resolves bidder display names written by the user service.
type NameDirectory struct {
	RDB *redis.Client
}

// DisplayName returns "" without error for unknown users.
func (d NameDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	name, err := d.RDB.Get(ctx, fmt.Sprintf(KeyUserName, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return name, err
}
