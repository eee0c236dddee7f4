// Copyright 2025 James Ross
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/config"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reaper provides the lock-expiry half of at-least-once delivery: it scans
// processing lists whose consumer heartbeat is gone and returns their
// messages to the job queue for redelivery.
type Reaper struct {
	rdb *redis.Client
	cfg config.Worker
	log *zap.Logger
}

func NewReaper(rdb *redis.Client, cfg config.Worker, log *zap.Logger) *Reaper {
	return &Reaper{rdb: rdb, cfg: cfg, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	pattern := fmt.Sprintf(r.cfg.ProcessingPattern, "*")
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, procList := range keys {
			consumerID, ok := consumerFromList(procList, r.cfg.ProcessingPattern)
			if !ok {
				continue
			}
			hbKey := fmt.Sprintf(r.cfg.HeartbeatPattern, consumerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue // consumer healthy
			}
			for {
				payload, err := r.rdb.RPop(ctx, procList).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					r.log.Warn("reaper rpop error", obs.Err(err))
					break
				}
				if err := r.rdb.LPush(ctx, r.cfg.JobQueue, payload).Err(); err != nil {
					r.log.Error("reaper requeue failed", obs.Err(err))
					continue
				}
				obs.ReaperRecovered.Inc()
				r.log.Warn("requeued orphaned message", obs.String("consumer", consumerID))
			}
		}
		if cursor == 0 {
			break
		}
	}
}

// consumerFromList extracts the consumer id by matching the list name against
// the configured pattern's prefix and suffix around the %s verb.
func consumerFromList(list, pattern string) (string, bool) {
	idx := strings.Index(pattern, "%s")
	if idx < 0 {
		return "", false
	}
	prefix, suffix := pattern[:idx], pattern[idx+2:]
	if !strings.HasPrefix(list, prefix) || !strings.HasSuffix(list, suffix) {
		return "", false
	}
	id := list[len(prefix) : len(list)-len(suffix)]
	if id == "" {
		return "", false
	}
	return id, true
}
