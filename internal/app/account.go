package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/internal/config"
	"github.com/YaganovValera/tick-saver/internal/credentials"
	"github.com/YaganovValera/tick-saver/pkg/logger"
	"github.com/YaganovValera/tick-saver/pkg/redis"
)

// SaveAccount кладёт учётную запись в hash accounts.hash_key и продлевает
// срок жизни hash'а. ttl <= 0 - credentials.DefaultTTL.
func SaveAccount(ctx context.Context, cfg *config.Config, acc credentials.Account, ttl time.Duration, log *logger.Logger) error {
	client, err := redis.Connect(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := credentials.NewRedisStore(client, cfg.Accounts.HashKey, log).Save(ctx, acc.Name, acc, ttl); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = credentials.DefaultTTL
	}
	log.Info("account saved", zap.String("name", acc.Name), zap.Duration("ttl", ttl))
	return nil
}
