// Package credentials читает учётные записи upstream из redis hash.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/pkg/logger"
)

// ErrNoAccounts - ни одной годной учётной записи.
var ErrNoAccounts = errors.New("credentials: no accounts available")

const (
	DefaultHashKey = "ZERODHA_TOKENS_FOR_MINUTE_DATA"
	DefaultTTL     = 15 * time.Hour
)

// Account - ключ API и токен доступа одной учётной записи.
type Account struct {
	Name        string `json:"api_name,omitempty"`
	APIKey      string `json:"api_key"`
	AccessToken string `json:"access_token"`
	ClientID    string `json:"client_id,omitempty"`
}

func (a Account) valid() bool { return a.APIKey != "" && a.AccessToken != "" }

// AccountNames возвращает имена TS<start>..TS<end> включительно.
func AccountNames(start, end int) []string {
	if end < start {
		return nil
	}
	names := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		names = append(names, fmt.Sprintf("TS%d", i))
	}
	return names
}

// RedisStore - учётные записи в hash HashKey, поле = имя записи.
type RedisStore struct {
	client  goredis.Cmdable
	hashKey string
	log     *logger.Logger
}

// NewRedisStore создаёт хранилище; пустой hashKey заменяется DefaultHashKey.
func NewRedisStore(client goredis.Cmdable, hashKey string, log *logger.Logger) *RedisStore {
	if hashKey == "" {
		hashKey = DefaultHashKey
	}
	return &RedisStore{client: client, hashKey: hashKey, log: log.Named("credentials")}
}

// Accounts возвращает записи в порядке names, пропуская отсутствующие
// и неразбираемые. Пустой результат - ErrNoAccounts.
func (s *RedisStore) Accounts(ctx context.Context, names []string) ([]Account, error) {
	if len(names) == 0 {
		return nil, ErrNoAccounts
	}
	vals, err := s.client.HMGet(ctx, s.hashKey, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("credentials: hmget %s: %w", s.hashKey, err)
	}

	var out []Account
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			s.log.Debug("account missing", zap.String("name", names[i]))
			continue
		}
		var acc Account
		if err := json.Unmarshal([]byte(raw), &acc); err != nil || !acc.valid() {
			s.log.Warn("account entry unusable", zap.String("name", names[i]), zap.Error(err))
			continue
		}
		if acc.Name == "" {
			acc.Name = names[i]
		}
		out = append(out, acc)
	}
	if len(out) == 0 {
		return nil, ErrNoAccounts
	}
	s.log.Info("accounts loaded", zap.Int("requested", len(names)), zap.Int("usable", len(out)))
	return out, nil
}

// Save записывает запись и выставляет срок жизни всего hash'а.
func (s *RedisStore) Save(ctx context.Context, name string, acc Account, ttl time.Duration) error {
	if !acc.valid() {
		return fmt.Errorf("credentials: account %s: api_key and access_token are required", name)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	acc.Name = name
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("credentials: marshal %s: %w", name, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.hashKey, name, data)
		pipe.Expire(ctx, s.hashKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("credentials: save %s: %w", name, err)
	}
	return nil
}
