// Package session хранит в Redis рабочий набор выбранных товаров покупателя
// и межпроцессную блокировку обхода планировщика.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/orderflow/internal/model"
)

const (
	selectionOperation = "selection"
	leaseOperation     = "lease"
	selectionTTL       = 7 * 24 * time.Hour
)

// releaseScript удаляет ключ блокировки, только если он принадлежит текущему владельцу.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript продлевает блокировку, только если она принадлежит текущему владельцу.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Store хранит рабочие сессии покупателей в Redis.
type Store struct {
	client    *redis.Client
	namespace string
}

// NewStore создаёт хранилище; все ключи получают префикс namespace.
func NewStore(client *redis.Client, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

// Connect подключается к Redis по адресу и проверяет соединение.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *Store) key(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.namespace, operation, key)
}

// LoadSelection возвращает рабочий набор покупателя; пустой, если он ещё не сохранялся.
func (s *Store) LoadSelection(ctx context.Context, customerID int64) (model.Selection, error) {
	raw, err := s.client.Get(ctx, s.key(selectionOperation, strconv.FormatInt(customerID, 10))).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Selection{}, nil
	}
	if err != nil {
		return model.Selection{}, err
	}

	var sel model.Selection
	if err := json.Unmarshal(raw, &sel); err != nil {
		return model.Selection{}, fmt.Errorf("decode selection: %w", err)
	}
	return sel, nil
}

// SaveSelection сохраняет рабочий набор покупателя.
func (s *Store) SaveSelection(ctx context.Context, customerID int64, sel model.Selection) error {
	raw, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("encode selection: %w", err)
	}
	return s.client.Set(ctx, s.key(selectionOperation, strconv.FormatInt(customerID, 10)), raw, selectionTTL).Err()
}

// Lease реализует именованную блокировку на SETNX с TTL.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Lease создаёт блокировку с указанным именем. Каждый экземпляр имеет собственный токен владельца.
func (s *Store) Lease(name string) *Lease {
	return &Lease{
		client: s.client,
		key:    s.key(leaseOperation, name),
		token:  uuid.NewString(),
	}
}

// TryAcquire пытается захватить блокировку на ttl.
func (l *Lease) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, ttl).Result()
}

// Extend продлевает блокировку на ttl. Возвращает false, если блокировка уже принадлежит другому владельцу или истекла.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release освобождает блокировку, если она всё ещё принадлежит этому экземпляру.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
