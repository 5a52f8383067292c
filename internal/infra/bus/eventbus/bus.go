// Package eventbus defines pub/sub interfaces for dcabot events.
package eventbus

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers events to every subscriber whose filter contains the event type.
type Bus interface {
	Publish(ctx context.Context, evt *schema.Event) error
	Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan *schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// OverflowPolicy decides what happens when a subscriber buffer is full.
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest buffered event to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowReject fails the delivery immediately.
	OverflowReject OverflowPolicy = "reject"
	// OverflowBlock waits up to BlockTimeout for room, then fails the delivery.
	OverflowBlock OverflowPolicy = "block"
)

// ParseOverflowPolicy maps a configuration value onto a policy; empty means drop_oldest.
func ParseOverflowPolicy(raw string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowReject:
		return OverflowReject, nil
	case OverflowBlock:
		return OverflowBlock, nil
	default:
		return "", errs.Config("eventbus", "unknown overflow policy "+raw)
	}
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	Overflow      OverflowPolicy
	BlockTimeout  time.Duration
	Logger        *zerolog.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.Overflow == "" {
		c.Overflow = OverflowDropOldest
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
