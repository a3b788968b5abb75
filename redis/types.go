package redis

import (
	"context"
	"time"
)

// WarmMessage asks a warmer to refresh one data set so the next page load is
// served from cache.
type WarmMessage struct {
	Dataset     string    `json:"dataset"`
	RequestedAt time.Time `json:"requested_at"`
}

// WarmFunc handles one message. Returning an error leaves the message
// unacknowledged.
type WarmFunc func(ctx context.Context, msg WarmMessage) error
