package core

import (
	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
)

// Notifier forwards ingestion events to an outbound channel.
// In fleetview, this is implemented by the MQTT Outbound Adapter.
// Both methods are called under the stream manager's lock and must not block.
type Notifier interface {
	NotifySample(sample model.VehicleSample)
	NotifyStatus(status model.ChannelStatus)
}
