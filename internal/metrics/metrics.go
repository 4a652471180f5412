// Package metrics publishes per-execution timing measurements. The
// default recorder drops everything; hosts that want the numbers can
// plug the Redis publisher or their own Recorder.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Recorder receives one measurement per metric label per execution.
// Implementations must be safe for concurrent use and must not block
// the dispatch path.
type Recorder interface {
	Record(name string, value int64)
}

// Noop discards all measurements.
type Noop struct{}

// Record implements Recorder.
func (Noop) Record(string, int64) {}

// Event is the wire shape published by the Redis recorder.
type Event struct {
	Name      string `json:"name"`
	Value     int64  `json:"value"`
	Timestamp int64  `json:"time"`
}

// DefaultChannel is where execution metrics are published unless
// configured otherwise.
const DefaultChannel = "fence_metrics"

// RedisPublisher publishes measurements to a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher builds a publisher. An empty channel name selects
// DefaultChannel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Record implements Recorder. Publishing happens off the caller's
// goroutine; failures are logged and dropped.
func (p *RedisPublisher) Record(name string, value int64) {
	event := Event{Name: name, Value: value, Timestamp: time.Now().Unix()}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.client.Publish(ctx, p.channel, string(data)).Err(); err != nil {
			log.Printf("publishing metric %s: %v", name, err)
		}
	}()
}

// ConnectRedis creates a Redis client and verifies connectivity.
func ConnectRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
