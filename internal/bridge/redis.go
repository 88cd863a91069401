package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// RedisStorage is a DomainStorage backed by Redis. Each resource is a hash
// with "data" and "meta" fields; a set per domain indexes its ids.
type RedisStorage struct {
	client *backend.Client
	prefix string
}

// RedisOption configures a RedisStorage.
type RedisOption func(*RedisStorage)

// WithPrefix sets the key prefix. The default is "causality:".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStorage) {
		s.prefix = prefix
	}
}

// NewRedisStorage connects to addr.
func NewRedisStorage(addr string, opts ...RedisOption) *RedisStorage {
	return NewRedisStorageFromClient(backend.NewClient(&backend.Options{Addr: addr}), opts...)
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *backend.Client, opts ...RedisOption) *RedisStorage {
	s := &RedisStorage{client: client, prefix: "causality:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) key(domain ir.DomainID, id ir.ContentID) string {
	return fmt.Sprintf("%sdomain:%s:res:%s", s.prefix, domain, id)
}

func (s *RedisStorage) indexKey(domain ir.DomainID) string {
	return fmt.Sprintf("%sdomain:%s:index", s.prefix, domain)
}

func (s *RedisStorage) netErr(op string, err error) error {
	return fault.Network(s.client.Options().Addr, 0, 0, "redis %s: %v", op, err).Wrap(err)
}

func (s *RedisStorage) Put(ctx context.Context, domain ir.DomainID, id ir.ContentID, e Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fault.Serialization("json", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(domain, id), "data", e.Data, "meta", meta)
	pipe.SAdd(ctx, s.indexKey(domain), id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return s.netErr("put", err)
	}
	return nil
}

func (s *RedisStorage) Get(ctx context.Context, domain ir.DomainID, id ir.ContentID) (Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.key(domain, id)).Result()
	if err != nil {
		return Entry{}, s.netErr("get", err)
	}
	data, ok := fields["data"]
	if !ok {
		return Entry{}, entryNotFound(domain, id)
	}

	e := Entry{Data: []byte(data)}
	if raw := fields["meta"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return Entry{}, fault.Serialization("json", err)
		}
	}
	return e, nil
}

func (s *RedisStorage) Delete(ctx context.Context, domain ir.DomainID, id ir.ContentID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(domain, id))
	pipe.SRem(ctx, s.indexKey(domain), id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return s.netErr("delete", err)
	}
	return nil
}

func (s *RedisStorage) Has(ctx context.Context, domain ir.DomainID, id ir.ContentID) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(domain, id)).Result()
	if err != nil {
		return false, s.netErr("exists", err)
	}
	return n > 0, nil
}

func (s *RedisStorage) List(ctx context.Context, domain ir.DomainID) ([]ir.ContentID, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(domain)).Result()
	if err != nil {
		return nil, s.netErr("list", err)
	}
	ids := make([]ir.ContentID, 0, len(members))
	for _, m := range members {
		id, err := ir.ParseContentID(m)
		if err != nil {
			return nil, fault.Storage(false, "corrupt index entry %q in domain %s", m, domain).Wrap(err)
		}
		ids = append(ids, id)
	}
	return ir.SortIDs(ids), nil
}

var _ DomainStorage = (*RedisStorage)(nil)
