package logstream

import (
	"context"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/cooodecat/otto-handler-sub000/internal/ws"
)

const channelPrefix = "otto:stream:"

// Notifier publishes a payload on a cross-process channel grouped by stream
// id. The engine runs as multiple stateless instances; any instance may hold
// the live subscriber connection, so local hub delivery is not enough.
type Notifier interface {
	Publish(ctx context.Context, streamID string, payload []byte) error
}

// Fanout bridges published payloads across instances through Redis pub/sub.
// Each instance publishes to a per-stream channel and relays the pattern
// subscription into its local hub, so publishers never touch the hub
// directly and every instance (including the publisher) delivers through the
// same path.
type Fanout struct {
	client  *redis.Client
	hub     *ws.Hub
	logger  *slog.Logger
	timeout time.Duration
}

var _ Notifier = (*Fanout)(nil)

// NewFanout connects to Redis and returns a Fanout bound to the hub.
func NewFanout(addr, password string, db int, hub *ws.Hub, logger *slog.Logger) (*Fanout, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Fanout{
		client:  client,
		hub:     hub,
		logger:  logger.With("component", "fanout"),
		timeout: 500 * time.Millisecond,
	}, nil
}

// Publish sends the payload to every instance subscribed to the stream. When
// Redis is unreachable the payload is delivered to the local hub directly so
// subscribers on this instance still see it.
func (f *Fanout) Publish(ctx context.Context, streamID string, payload []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.client.Publish(opCtx, channelPrefix+streamID, payload).Err(); err != nil {
		f.logger.Warn("fanout publish failed, delivering locally", "stream_id", streamID, "error", err)
		f.hub.Broadcast(streamID, payload)
		return err
	}
	return nil
}

// Run consumes the pattern subscription and pumps messages into the local
// hub until the context is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	sub := f.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	f.logger.Info("fanout relay started")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("fanout relay stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				f.logger.Warn("fanout subscription closed")
				return
			}
			streamID := strings.TrimPrefix(msg.Channel, channelPrefix)
			f.hub.Broadcast(streamID, []byte(msg.Payload))
		}
	}
}

// Close releases the Redis connection.
func (f *Fanout) Close() error {
	return f.client.Close()
}

// localNotifier delivers straight to the in-process hub. Used when Redis is
// unavailable and in tests; subscribers on other instances see nothing.
type localNotifier struct {
	hub *ws.Hub
}

// NewLocalNotifier returns a Notifier bound to a single instance's hub.
func NewLocalNotifier(hub *ws.Hub) Notifier {
	return &localNotifier{hub: hub}
}

func (n *localNotifier) Publish(_ context.Context, streamID string, payload []byte) error {
	n.hub.Broadcast(streamID, payload)
	return nil
}
