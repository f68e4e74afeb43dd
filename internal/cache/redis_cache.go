package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/Cypherspark/message-scheduler/internal/metrics"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// MessageStore is a read-through cache in front of another store. Only
// messages in a terminal status are cached, since those never change again.
// Redis failures are logged and the request falls through to the store.
type MessageStore struct {
	core.MessageStore
	rdb    *redis.Client
	ttl    time.Duration
	logger log.FieldLogger
}

func NewMessageStore(next core.MessageStore, rdb *redis.Client, ttl time.Duration, logger log.FieldLogger) *MessageStore {
	return &MessageStore{MessageStore: next, rdb: rdb, ttl: ttl, logger: logger}
}

func key(id int64) string {
	return fmt.Sprintf("msg:%d", id)
}

func (c *MessageStore) FindByID(ctx context.Context, id int64) (core.Message, error) {
	raw, err := c.rdb.Get(ctx, key(id)).Bytes()
	switch {
	case err == nil:
		var m core.Message
		if jerr := json.Unmarshal(raw, &m); jerr == nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return m, nil
		}
		c.logger.WithField("message_id", id).Warn("dropping undecodable cache entry")
		_ = c.rdb.Del(ctx, key(id)).Err()
	case err == redis.Nil:
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.WithError(err).Warn("message cache read failed")
	}

	m, err := c.MessageStore.FindByID(ctx, id)
	if err != nil {
		return m, err
	}
	if m.Status.Terminal() {
		c.store(ctx, m)
	}
	return m, nil
}

func (c *MessageStore) UpdateStatus(ctx context.Context, id int64, upd core.StatusUpdate) (bool, error) {
	ok, err := c.MessageStore.UpdateStatus(ctx, id, upd)
	if ok {
		if derr := c.rdb.Del(ctx, key(id)).Err(); derr != nil {
			c.logger.WithError(derr).WithField("message_id", id).Warn("message cache invalidate failed")
		}
	}
	return ok, err
}

func (c *MessageStore) store(ctx context.Context, m core.Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key(m.ID), b, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("message_id", m.ID).Warn("message cache write failed")
	}
}
