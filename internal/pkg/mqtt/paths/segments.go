package paths

// Topic segments published by fleetview. Consumers subscribe by these names,
// so changing them breaks compatibility.
const (
	// Telemetry carries one normalized vehicle sample per message.
	// Payload: the VehicleSample JSON document.
	// Pattern: {root}/telemetry/{vehicleID}
	Telemetry = "telemetry"

	// Status carries the connection state of one stream channel.
	// Payload: { "key": "...", "state": "connected", "message": "..." }
	// Pattern: {root}/status/{channelKey}
	Status = "status"
)
