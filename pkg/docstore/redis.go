package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"directchat/internal/util"
	"directchat/pkg/domain"
)

// Documents live in hashes, collection membership in sets, and changes are
// announced on one pub/sub channel per collection as "<kind>:<id>".
const idField = "__id"

// RedisConfig configures a Redis-backed document store.
type RedisConfig struct {
	Addr     string
	Password string
	Prefix   string
	Timeout  time.Duration
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStore builds a Redis document store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "chat"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RedisStore{
		client:  redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix:  prefix,
		timeout: timeout,
	}, nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Set replaces the document hash and announces the change.
func (s *RedisStore) Set(ctx context.Context, path string, fields Fields) error {
	collection, id, err := SplitDocument(path)
	if err != nil {
		return err
	}
	values, err := hashValues(id, fields)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	added := s.queueWrite(ctx, pipe, collection, path, id, values)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.NewStoreError(domain.Unreachable, fmt.Errorf("write document: %w", err))
	}
	return s.announce(ctx, collection, id, added.Val() == 1)
}

// SetIfNewer compares and writes under WATCH, retrying until the timeout
// while other writers touch the document in between.
func (s *RedisStore) SetIfNewer(ctx context.Context, path, field string, fields Fields) (bool, error) {
	collection, id, err := SplitDocument(path)
	if err != nil {
		return false, err
	}
	incoming, err := timeField(fields, field)
	if err != nil {
		return false, err
	}
	values, err := hashValues(id, fields)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := s.docKey(path)
	var (
		written bool
		added   *redis.IntCmd
	)
	txf := func(tx *redis.Tx) error {
		written, added = false, nil
		raw, err := tx.HGet(ctx, key, field).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if v, err := decodeValue(raw); err == nil && storedIsNewer(Fields{field: v}, field, incoming) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			added = s.queueWrite(ctx, pipe, collection, path, id, values)
			return nil
		})
		if err != nil {
			return err
		}
		written = true
		return nil
	}
	for {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return false, domain.NewStoreError(domain.Unreachable, fmt.Errorf("write document: %w", err))
	}
	if !written {
		return false, nil
	}
	return true, s.announce(ctx, collection, id, added.Val() == 1)
}

func (s *RedisStore) queueWrite(ctx context.Context, pipe redis.Pipeliner, collection, path, id string, values map[string]any) *redis.IntCmd {
	pipe.Del(ctx, s.docKey(path))
	pipe.HSet(ctx, s.docKey(path), values)
	return pipe.SAdd(ctx, s.collectionKey(collection), id)
}

func (s *RedisStore) announce(ctx context.Context, collection, id string, added bool) error {
	kind := Modified
	if added {
		kind = Added
	}
	if err := s.client.Publish(ctx, s.channel(collection), encodeNotice(kind, id)).Err(); err != nil {
		return domain.NewStoreError(domain.Unreachable, fmt.Errorf("publish change: %w", err))
	}
	return nil
}

func hashValues(id string, fields Fields) (map[string]any, error) {
	encoded, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(encoded)+1)
	values[idField] = id
	for k, v := range encoded {
		values[k] = v
	}
	return values, nil
}

// Get returns the document fields.
func (s *RedisStore) Get(ctx context.Context, path string) (Fields, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.client.HGetAll(ctx, s.docKey(path)).Result()
	if err != nil {
		return nil, domain.NewStoreError(domain.Unreachable, fmt.Errorf("read document: %w", err))
	}
	if len(raw) == 0 {
		return nil, domain.ErrNotFound
	}
	delete(raw, idField)
	return decodeFields(raw)
}

// AddToCollection stores fields under a generated ID.
func (s *RedisStore) AddToCollection(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	id := util.NewID()
	if err := s.Set(ctx, Join(collection, id), fields); err != nil {
		return "", err
	}
	return id, nil
}

// List loads every member of the collection in one pipeline.
func (s *RedisStore) List(ctx context.Context, collection, orderField string) ([]Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ids, err := s.client.SMembers(ctx, s.collectionKey(collection)).Result()
	if err != nil {
		return nil, domain.NewStoreError(domain.Unreachable, fmt.Errorf("list collection: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.docKey(Join(collection, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, domain.NewStoreError(domain.Unreachable, fmt.Errorf("load collection: %w", err))
	}
	docs := make([]Document, 0, len(ids))
	for i, id := range ids {
		raw := cmds[i].Val()
		if len(raw) == 0 {
			continue
		}
		delete(raw, idField)
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: id, Path: Join(collection, id), Fields: fields})
	}
	sortDocuments(docs, orderField)
	return docs, nil
}

// ListenOrdered subscribes to the change channel before reading the
// backfill; Added notices for documents already in the backfill are dropped.
func (s *RedisStore) ListenOrdered(ctx context.Context, collection, orderField string) (Listener, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	listenCtx, cancel := context.WithCancel(ctx)
	sub := s.client.Subscribe(listenCtx, s.channel(collection))
	if _, err := sub.Receive(listenCtx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, domain.NewStoreError(domain.Unreachable, fmt.Errorf("subscribe: %w", err))
	}
	docs, err := s.List(listenCtx, collection, orderField)
	if err != nil {
		cancel()
		_ = sub.Close()
		return nil, err
	}
	seen := make(map[string]struct{}, len(docs))
	backfill := make([]Change, 0, len(docs))
	for _, d := range docs {
		seen[d.ID] = struct{}{}
		backfill = append(backfill, Change{Kind: Added, Doc: d})
	}
	p := newPump(backfill, func() {
		cancel()
		_ = sub.Close()
	})
	go s.tail(listenCtx, sub, collection, seen, p)
	return p, nil
}

func (s *RedisStore) tail(ctx context.Context, sub *redis.PubSub, collection string, seen map[string]struct{}, p *pump) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			p.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					p.fail(domain.NewStoreError(domain.Unreachable, errors.New("change channel closed")))
				}
				return
			}
			kind, id, err := decodeNotice(msg.Payload)
			if err != nil {
				continue
			}
			if kind == Added {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
			}
			path := Join(collection, id)
			fields, err := s.Get(ctx, path)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					p.fail(err)
				}
				return
			}
			p.push(Change{Kind: kind, Doc: Document{ID: id, Path: path, Fields: fields}})
		}
	}
}

func (s *RedisStore) docKey(path string) string {
	return fmt.Sprintf("%s:doc:%s", s.prefix, path)
}

func (s *RedisStore) collectionKey(collection string) string {
	return fmt.Sprintf("%s:col:%s", s.prefix, collection)
}

func (s *RedisStore) channel(collection string) string {
	return fmt.Sprintf("%s:chg:%s", s.prefix, collection)
}

func encodeNotice(kind ChangeKind, id string) string {
	if kind == Added {
		return "a:" + id
	}
	return "m:" + id
}

func decodeNotice(payload string) (ChangeKind, string, error) {
	tag, id, ok := strings.Cut(payload, ":")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("malformed change notice %q", payload)
	}
	switch tag {
	case "a":
		return Added, id, nil
	case "m":
		return Modified, id, nil
	default:
		return 0, "", fmt.Errorf("unknown change kind %q", tag)
	}
}
