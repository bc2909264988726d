package fanout

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/metalgrid/regiond/common/events"
	"github.com/metalgrid/regiond/common/listener"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/redis"
)

// ChannelPrefix namespaces region event channels in redis. The topic is
// the last segment: maas:events:{topic}.
const ChannelPrefix = "maas:events:"

// TopicFromChannel extracts the topic from a redis channel name, empty on
// a foreign channel.
func TopicFromChannel(channel string) string {
	if !strings.HasPrefix(channel, ChannelPrefix) {
		return ""
	}
	topic := channel[len(ChannelPrefix):]
	if strings.Contains(topic, ":") {
		return ""
	}
	return topic
}

// Publisher feeds region-local happenings into redis so every process's
// hub can fan them out: rack connect/disconnect events and row change
// notifications from the database listener.
type Publisher struct {
	redis   *redis.Client
	process string
	log     *logger.Logger
}

func NewPublisher(client *redis.Client, process string, log *logger.Logger) *Publisher {
	return &Publisher{redis: client, process: process, log: log}
}

// PublishRackEvent mirrors one registry event. Use as an events.Group
// subscriber.
func (p *Publisher) PublishRackEvent(e events.Event) {
	payload, err := json.Marshal(map[string]string{
		"event":     e.Type.String(),
		"system_id": e.SystemID,
		"endpoint":  e.Endpoint,
		"process":   p.process,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.redis.PublishEvent(ctx, ChannelPrefix+"racks", string(payload)); err != nil {
		p.log.Warn("rack event not published", "system_id", e.SystemID, "error", err)
	}
}

// RowChangeHandler returns a listener handler that republishes row changes
// for one table to redis.
func (p *Publisher) RowChangeHandler(table string) listener.Handler {
	return func(ctx context.Context, action listener.Action, id string) error {
		payload, err := json.Marshal(map[string]string{
			"action": string(action),
			"id":     id,
		})
		if err != nil {
			return err
		}
		return p.redis.PublishEvent(ctx, ChannelPrefix+table, string(payload))
	}
}

// Subscriber forwards redis events into the local hub.
type Subscriber struct {
	redis *redis.Client
	hub   *Hub
	log   *logger.Logger
}

func NewSubscriber(client *redis.Client, hub *Hub, log *logger.Logger) *Subscriber {
	return &Subscriber{redis: client, hub: hub, log: log}
}

// Run consumes the event pattern until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.redis.GetUnderlying().PSubscribe(ctx, ChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.log.Info("event subscriber started", "pattern", ChannelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic := TopicFromChannel(msg.Channel)
			if topic == "" {
				s.log.Warn("unexpected event channel", "channel", msg.Channel)
				continue
			}
			s.hub.Broadcast(&Message{Topic: topic, Data: []byte(msg.Payload)})
		}
	}
}
