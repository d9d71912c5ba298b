package replicator

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Notifier is told about every event that changed the secondary directory.
type Notifier interface {
	Notify(ctx context.Context, res Result)
}

type notice struct {
	EventID   string `json:"eventId"`
	Key       string `json:"key"`
	Kind      string `json:"kind"`
	Outcome   string `json:"outcome"`
	Sequence  int64  `json:"sequence,omitempty"`
	AppliedAt int64  `json:"appliedAt"`
}

// RedisNotifier publishes notices on a Redis channel.
type RedisNotifier struct {
	rc      redis.Cmdable
	channel string
	now     func() time.Time
}

func NewRedisNotifier(rc redis.Cmdable, channel string) *RedisNotifier {
	return &RedisNotifier{rc: rc, channel: channel, now: time.Now}
}

func (n *RedisNotifier) Notify(ctx context.Context, res Result) {
	payload, err := sonic.MarshalString(notice{
		EventID:   res.Event.ID,
		Key:       res.Event.Key,
		Kind:      string(res.Event.Kind),
		Outcome:   string(res.Outcome),
		Sequence:  res.Event.Sequence,
		AppliedAt: n.now().UnixNano(),
	})
	if err != nil {
		log.WithError(err).Error("encode replication notice")
		return
	}
	if err := n.rc.Publish(ctx, n.channel, payload).Err(); err != nil {
		log.Errorf("Unable to publish replication notice for %s to %s", res.Event.Key, n.channel)
	}
}
