package data

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/stake-plus/hayes/src/modules/core"
)

// DefaultStream receives module lifecycle events.
const DefaultStream = "hayes.modules"

// NewRedis parses url and returns a client. Unlike the panicking variants it
// reports a bad URL to the caller.
func NewRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return redis.NewClient(opt), nil
}

// StreamAdder is the part of a redis client the publisher needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamPublisher appends lifecycle events to a redis stream.
type StreamPublisher struct {
	rdb    StreamAdder
	stream string
	log    *slog.Logger
}

var _ core.Observer = (*StreamPublisher)(nil)

// NewStreamPublisher returns an observer writing to stream, or DefaultStream.
func NewStreamPublisher(rdb StreamAdder, stream string, log *slog.Logger) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	if log == nil {
		log = slog.Default()
	}
	return &StreamPublisher{rdb: rdb, stream: stream, log: log}
}

// ObserveModule implements core.Observer.
func (p *StreamPublisher) ObserveModule(ctx context.Context, ev core.ModuleEvent) {
	if err := PublishModuleEvent(ctx, p.rdb, p.stream, ev); err != nil {
		p.log.Warn("data: publish module event failed",
			slog.String("stream", p.stream), slog.String("module", ev.Module), slog.Any("error", err))
	}
}

// PublishModuleEvent appends ev to stream.
func PublishModuleEvent(ctx context.Context, rdb StreamAdder, stream string, ev core.ModuleEvent) error {
	_, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: eventPayload(ev),
	}).Result()
	return err
}

func eventPayload(ev core.ModuleEvent) map[string]interface{} {
	payload := map[string]interface{}{
		"kind":         string(ev.Kind),
		"module":       ev.Module,
		"declarations": strings.Join(ev.Declarations, ","),
		"at":           ev.At.Unix(),
	}
	if ev.Fingerprint != 0 {
		payload["fingerprint"] = strconv.FormatUint(ev.Fingerprint, 16)
	}
	if ev.Error != "" {
		payload["error"] = ev.Error
	}
	return payload
}
