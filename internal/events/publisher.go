// Package events mirrors committed saga transitions to the message bus.
package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/payrail/orchestrator/internal/model"
	"github.com/payrail/orchestrator/pkg/logger"
	"github.com/payrail/orchestrator/pkg/redisx"
)

// Publisher is a best-effort mirror. The SagaEvent row persisted by the
// engine is the durable record; Publish must never block or fail the state
// transition that triggered it, so implementations log and move on.
type Publisher interface {
	Publish(ctx context.Context, event *model.SagaEvent)
}

const tenantChannelTemplate = "orchestrator:tenant:{tenantId}:events"

// RedisPublisher XADDs events to a stream for durable consumers and
// publishes to a per-tenant channel for live watchers.
type RedisPublisher struct {
	stream        *redisx.StreamClient
	streamName    string
	channelFormat string
	log           *logger.Logger
}

// NewRedisPublisher 创建发布器
func NewRedisPublisher(stream *redisx.StreamClient, streamName, tenantChannel string, log *logger.Logger) *RedisPublisher {
	if tenantChannel == "" {
		tenantChannel = tenantChannelTemplate
	}
	return &RedisPublisher{
		stream:        stream,
		streamName:    streamName,
		channelFormat: strings.Replace(tenantChannel, "{tenantId}", "%s", 1),
		log:           log.WithField("component", "event-publisher"),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event *model.SagaEvent) {
	if event == nil {
		return
	}

	if _, err := p.stream.Publish(ctx, p.streamName, event); err != nil {
		p.log.WithError(err).Errorf("publish saga event to stream failed", map[string]interface{}{
			"sagaId":    event.SagaID,
			"eventType": event.EventType,
		})
	}

	channel := fmt.Sprintf(p.channelFormat, event.TenantID)
	if err := p.stream.PublishChannel(ctx, channel, event); err != nil {
		p.log.WithError(err).Errorf("publish saga event to channel failed", map[string]interface{}{
			"sagaId":    event.SagaID,
			"eventType": event.EventType,
		})
	}
}

// TenantChannel returns the pub/sub channel carrying a tenant's events.
func TenantChannel(tenantID string) string {
	return strings.Replace(tenantChannelTemplate, "{tenantId}", tenantID, 1)
}

// NopPublisher drops all events. Used when no message bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event *model.SagaEvent) {}

var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = NopPublisher{}
)
