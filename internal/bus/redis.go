// Copyright 2025 James Ross
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/config"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSender appends wire messages to a Redis list.
type RedisSender struct {
	rdb   *redis.Client
	queue string
}

func NewRedisSender(rdb *redis.Client, queue string) *RedisSender {
	return &RedisSender{rdb: rdb, queue: queue}
}

func (s *RedisSender) Send(ctx context.Context, body []byte, props map[string]string) error {
	payload, err := encodeWire(body, props)
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}
	if err := s.rdb.LPush(ctx, s.queue, payload).Err(); err != nil {
		return fmt.Errorf("bus send to %s: %w", s.queue, err)
	}
	return nil
}

func (s *RedisSender) Close() error { return nil }

// RedisReceiver implements receive-with-lock over Redis lists: BRPOPLPUSH
// moves each message into a per-consumer processing list, and a heartbeat key
// marks the consumer alive. Settlement removes the message from the
// processing list; if the consumer dies, the reaper requeues whatever is
// left once the heartbeat expires.
type RedisReceiver struct {
	rdb        *redis.Client
	cfg        config.Worker
	log        *zap.Logger
	consumerID string
	procList   string
	hbKey      string
}

func NewRedisReceiver(rdb *redis.Client, cfg config.Worker, log *zap.Logger) *RedisReceiver {
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()&0xffff)
	return &RedisReceiver{
		rdb:        rdb,
		cfg:        cfg,
		log:        log,
		consumerID: id,
		procList:   fmt.Sprintf(cfg.ProcessingPattern, id),
		hbKey:      fmt.Sprintf(cfg.HeartbeatPattern, id),
	}
}

func (r *RedisReceiver) Subscribe(ctx context.Context, h Handler) error {
	// Heartbeat keeps the processing list owned while this consumer lives.
	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go r.heartbeat(hbCtx)

	for ctx.Err() == nil {
		payload, err := r.rdb.BRPopLPush(ctx, r.cfg.JobQueue, r.procList, r.cfg.ReceiveTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if h.OnError != nil {
				h.OnError(err)
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		wire, err := decodeWire(payload)
		if err != nil {
			// Unparseable wire data cannot be settled by a handler; sideline it.
			r.log.Error("undecodable bus payload", obs.Err(err))
			m := &redisMessage{recv: r, payload: payload}
			if dlErr := m.DeadLetter(ctx, "MalformedMessage", err.Error()); dlErr != nil && h.OnError != nil {
				h.OnError(dlErr)
			}
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(ctx, &redisMessage{recv: r, payload: payload, wire: wire})
		}
	}
	return ctx.Err()
}

func (r *RedisReceiver) heartbeat(ctx context.Context) {
	interval := r.cfg.HeartbeatTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_ = r.rdb.Set(ctx, r.hbKey, r.consumerID, r.cfg.HeartbeatTTL).Err()
	for {
		select {
		case <-ctx.Done():
			_ = r.rdb.Del(context.Background(), r.hbKey).Err()
			return
		case <-ticker.C:
			_ = r.rdb.Set(ctx, r.hbKey, r.consumerID, r.cfg.HeartbeatTTL).Err()
		}
	}
}

func (r *RedisReceiver) Close() error { return nil }

type redisMessage struct {
	recv    *RedisReceiver
	payload string
	wire    wireMessage
}

func (m *redisMessage) Body() []byte { return m.wire.Body }

func (m *redisMessage) Properties() map[string]string {
	if m.wire.ApplicationProperties == nil {
		return map[string]string{}
	}
	return m.wire.ApplicationProperties
}

func (m *redisMessage) Complete(ctx context.Context) error {
	return m.recv.rdb.LRem(ctx, m.recv.procList, 1, m.payload).Err()
}

func (m *redisMessage) Abandon(ctx context.Context) error {
	if err := m.recv.rdb.LPush(ctx, m.recv.cfg.JobQueue, m.payload).Err(); err != nil {
		return err
	}
	return m.recv.rdb.LRem(ctx, m.recv.procList, 1, m.payload).Err()
}

func (m *redisMessage) DeadLetter(ctx context.Context, reason, description string) error {
	raw := json.RawMessage(m.payload)
	if !json.Valid(raw) {
		raw, _ = json.Marshal(m.payload)
	}
	rec, err := json.Marshal(deadLetterRecord{
		Reason:       reason,
		Description:  description,
		DeadLetterAt: time.Now().UTC().Format(time.RFC3339),
		Message:      raw,
	})
	if err != nil {
		return err
	}
	if err := m.recv.rdb.LPush(ctx, m.recv.cfg.DeadLetterList, rec).Err(); err != nil {
		return err
	}
	obs.DeadLettered.Inc()
	return m.recv.rdb.LRem(ctx, m.recv.procList, 1, m.payload).Err()
}
