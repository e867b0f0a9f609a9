package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/internal/pkg/metrics"
	"github.com/autopeer-io/fleetview/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/fleetview/pkg/log"
	pkgmqtt "github.com/autopeer-io/fleetview/pkg/mqtt"
	"github.com/autopeer-io/fleetview/pkg/mqtt/topic"
)

const publishTimeout = 5 * time.Second

type message struct {
	topic   string
	retain  bool
	payload any
	sample  bool
}

// MQTTNotifier republishes accepted samples and channel status to a broker.
// Notify methods never block: when the queue is full the message is dropped.
type MQTTNotifier struct {
	client pkgmqtt.Client
	topics *topic.Builder
	qos    int
	queue  chan message
	logger log.Logger
}

func NewMQTTNotifier(client pkgmqtt.Client, builder *topic.Builder, qos, queueSize int) *MQTTNotifier {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &MQTTNotifier{
		client: client,
		topics: builder,
		qos:    qos,
		queue:  make(chan message, queueSize),
		logger: log.WithName("notifier"),
	}
}

// NotifySample queues sample for {root}/telemetry/{vehicleID}.
func (n *MQTTNotifier) NotifySample(sample model.VehicleSample) {
	n.enqueue(message{
		topic:   n.topics.Build(paths.Telemetry, sample.VehicleID),
		payload: sample,
		sample:  true,
	})
}

// NotifyStatus queues a retained status for {root}/status/{channelKey}.
func (n *MQTTNotifier) NotifyStatus(status model.ChannelStatus) {
	n.enqueue(message{
		topic:   n.topics.Build(paths.Status, status.Key),
		retain:  true,
		payload: status,
	})
}

func (n *MQTTNotifier) enqueue(msg message) {
	select {
	case n.queue <- msg:
	default:
		if msg.sample {
			metrics.ForwardedTotal.WithLabelValues("dropped").Inc()
		}
		n.logger.Debug("Publish queue full, dropping message", "topic", msg.topic)
	}
}

// Start connects the client and publishes queued messages until ctx is done.
func (n *MQTTNotifier) Start(ctx context.Context) error {
	if err := n.client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		n.client.Disconnect(shutdownCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			n.publish(ctx, msg)
		}
	}
}

func (n *MQTTNotifier) publish(ctx context.Context, msg message) {
	payload, err := json.Marshal(msg.payload)
	if err != nil {
		n.logger.Error(err, "Failed to encode message", "topic", msg.topic)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = n.client.Publish(pubCtx, msg.topic, n.qos, msg.retain, payload)
	if !msg.sample {
		if err != nil {
			n.logger.Error(err, "Failed to publish status", "topic", msg.topic)
		}
		return
	}

	if err != nil {
		metrics.ForwardedTotal.WithLabelValues("failed").Inc()
		n.logger.Error(err, "Failed to publish sample", "topic", msg.topic)
		return
	}
	metrics.ForwardedTotal.WithLabelValues("published").Inc()
}
