package model

// ConnectionState is the lifecycle state of a stream channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// Gauge maps the state onto the value exported by the channel state metric.
func (s ConnectionState) Gauge() float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateError:
		return 3
	default:
		return 0
	}
}

// ChannelStatus describes one stream channel for presentation.
type ChannelStatus struct {
	// Key identifies the channel: a vehicle id in multi mode, the sorted
	// comma-joined set in single mode, "*" for the unfiltered stream.
	Key      string          `json:"key"`
	Vehicles []string        `json:"vehicles,omitempty"`
	State    ConnectionState `json:"state"`

	// Message is the last status text: a transport error or a
	// server-reported application error.
	Message string `json:"message,omitempty"`
}

// Summarize folds per-channel states into one: Connected if any channel is,
// else Connecting if any is, else Error. No channels means Disconnected.
func Summarize(channels []ChannelStatus) ConnectionState {
	if len(channels) == 0 {
		return StateDisconnected
	}

	var connecting, errored bool
	for _, c := range channels {
		switch c.State {
		case StateConnected:
			return StateConnected
		case StateConnecting:
			connecting = true
		case StateError:
			errored = true
		}
	}

	switch {
	case connecting:
		return StateConnecting
	case errored:
		return StateError
	default:
		return StateDisconnected
	}
}
