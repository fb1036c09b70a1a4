// Package catalog читает справочник инструментов из RedisJSON и строит
// список токенов для подписки.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/pkg/logger"
)

// ErrEmptyUniverse - после фильтрации не осталось ни одного инструмента.
var ErrEmptyUniverse = errors.New("catalog: no eligible instruments")

// DefaultPatterns - шаблоны ключей справочника.
var DefaultPatterns = []string{"CT:*"}

const (
	availabilityFlag = "Z"
	mgetChunk        = 1000
	scanCount        = 1000
)

var excludedInstruments = map[string]struct{}{
	"OPTCUR": {},
	"FUTCUR": {},
}

// Token - токен upstream; в справочнике бывает и числом, и строкой.
type Token uint32

func (t *Token) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("catalog: token %s: %w", b, err)
	}
	*t = Token(v)
	return nil
}

// Flags - флаги доступности у брокеров: строка "ZU" или массив ["Z","U"].
type Flags string

func (f *Flags) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = Flags(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("catalog: broker_avail %s: %w", b, err)
	}
	*f = Flags(strings.Join(list, ""))
	return nil
}

// Entry - одна запись справочника. Key - ключ записи, он же SymbolId.
type Entry struct {
	Key         string `json:"-"`
	Exchange    string `json:"exchange"`
	Instrument  string `json:"instrument"`
	BrokerAvail Flags  `json:"broker_avail"`
	Token       Token  `json:"zerodha_token"`
}

// Eligible - проходит ли запись фильтры подписки.
func Eligible(e Entry) bool {
	if placeholder(e.Exchange) || placeholder(e.Instrument) {
		return false
	}
	if _, skip := excludedInstruments[e.Instrument]; skip {
		return false
	}
	return strings.Contains(string(e.BrokerAvail), availabilityFlag)
}

func placeholder(s string) bool { return s == "" || s == "-" }

// Universe - упорядоченный список токенов и их символы.
type Universe struct {
	Tokens  []uint32
	Symbols map[uint32]string
}

// Build фильтрует записи. Порядок токенов повторяет порядок entries;
// повторный токен сохраняет первый символ.
func Build(entries []Entry) Universe {
	u := Universe{Symbols: make(map[uint32]string, len(entries))}
	for _, e := range entries {
		if !Eligible(e) {
			continue
		}
		tok := uint32(e.Token)
		if _, dup := u.Symbols[tok]; dup {
			continue
		}
		u.Tokens = append(u.Tokens, tok)
		u.Symbols[tok] = e.Key
	}
	return u
}

// Client - команды redis, нужные справочнику. JSON.MGET идёт через Do,
// которого нет в goredis.Cmdable.
type Client interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
	Do(ctx context.Context, args ...any) *goredis.Cmd
}

// RedisCatalog - справочник в RedisJSON.
type RedisCatalog struct {
	client Client
	log    *logger.Logger
}

// NewRedis создаёт справочник поверх client.
func NewRedis(client Client, log *logger.Logger) *RedisCatalog {
	return &RedisCatalog{client: client, log: log.Named("catalog")}
}

// Keys собирает ключи по шаблонам через SCAN, отсортированные и без повторов.
func (c *RedisCatalog) Keys(ctx context.Context, patterns []string) ([]string, error) {
	var keys []string
	for _, p := range patterns {
		it := c.client.Scan(ctx, 0, p, scanCount).Iterator()
		for it.Next(ctx) {
			keys = append(keys, it.Val())
		}
		if err := it.Err(); err != nil {
			return nil, fmt.Errorf("catalog: scan %q: %w", p, err)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

// Load читает все записи по шаблонам через JSON.MGET.
func (c *RedisCatalog) Load(ctx context.Context, patterns []string) ([]Entry, error) {
	keys, err := c.Keys(ctx, patterns)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for chunk := range slices.Chunk(keys, mgetChunk) {
		args := make([]any, 0, len(chunk)+2)
		args = append(args, "JSON.MGET")
		for _, k := range chunk {
			args = append(args, k)
		}
		args = append(args, ".")

		replies, err := c.client.Do(ctx, args...).Slice()
		if err != nil {
			return nil, fmt.Errorf("catalog: json.mget: %w", err)
		}
		got, bad := parseDocs(chunk, replies)
		for _, k := range bad {
			c.log.Warn("catalog entry skipped", zap.String("key", k))
		}
		entries = append(entries, got...)
	}
	return entries, nil
}

// Universe загружает и фильтрует справочник.
func (c *RedisCatalog) Universe(ctx context.Context, patterns []string) (Universe, error) {
	entries, err := c.Load(ctx, patterns)
	if err != nil {
		return Universe{}, err
	}
	u := Build(entries)
	c.log.Info("catalog loaded",
		zap.Int("entries", len(entries)),
		zap.Int("eligible", len(u.Tokens)),
	)
	if len(u.Tokens) == 0 {
		return u, ErrEmptyUniverse
	}
	return u, nil
}

// parseDocs сопоставляет ответы MGET ключам. nil-ответы пропускаются,
// неразбираемые документы возвращаются в bad.
func parseDocs(keys []string, replies []any) (entries []Entry, bad []string) {
	for i, r := range replies {
		if i >= len(keys) || r == nil {
			continue
		}
		s, ok := r.(string)
		if !ok {
			bad = append(bad, keys[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			bad = append(bad, keys[i])
			continue
		}
		e.Key = keys[i]
		entries = append(entries, e)
	}
	return entries, bad
}
