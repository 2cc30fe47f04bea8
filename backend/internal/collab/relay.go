package collab

import (
	"context"
	"encoding/json"
	"log"

	"github.com/IBM/sarama"
)

// RelayHandler receives updates applied on other server instances.
type RelayHandler interface {
	ApplyRelayed(evt RoomOpEvent)
}

// Relay consumes ROOM_UPDATE events from siblings. Each node joins its own
// consumer group (groupID should embed the node id) so every node sees every
// event; events published by this node are skipped by NodeID.
type Relay struct {
	group   sarama.ConsumerGroup
	topic   string
	nodeID  string
	handler RelayHandler
}

func NewRelay(brokers []string, groupID, topic, nodeID string, handler RelayHandler) (*Relay, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Relay{group: group, topic: topic, nodeID: nodeID, handler: handler}, nil
}

// Run blocks consuming until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	defer r.group.Close()
	for {
		if err := r.group.Consume(ctx, []string{r.topic}, r); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("relay consume error: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *Relay) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (r *Relay) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (r *Relay) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var evt RoomOpEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("relay: drop malformed event at %s/%d/%d: %v",
				msg.Topic, msg.Partition, msg.Offset, err)
			sess.MarkMessage(msg, "")
			continue
		}
		if evt.EventType == EventRoomUpdate && evt.NodeID != r.nodeID {
			r.handler.ApplyRelayed(evt)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
