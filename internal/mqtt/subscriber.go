package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

const levelTrace = slog.Level(-8)

// maxRequestBytes caps inbound request payloads.
const maxRequestBytes = 4096

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !p.cfg.AcceptRequests {
		return
	}
	topic := p.topic("request")
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt accepting requests", "topic", topic)
}

// handleMessage turns a request-topic payload into a typed request.
func (p *Publisher) handleMessage(topic string, payload []byte) {
	if topic != p.topic("request") || p.onRequest == nil {
		p.logger.Log(context.Background(), levelTrace, "mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if len(payload) > maxRequestBytes {
		p.logger.Warn("mqtt request too large, dropping", "payload_size", len(payload), "limit", maxRequestBytes)
		return
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return
	}
	if !p.limiter.allow() {
		return
	}
	p.logger.Debug("mqtt request received", "chars", len(text))
	p.onRequest(text)
}

// messageRateLimiter drops inbound messages beyond limit per interval.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the counter every interval until ctx ends.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt requests dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
