package model

import "testing"

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		states []ConnectionState
		want   ConnectionState
	}{
		{"no channels", nil, StateDisconnected},
		{"one connected among errors", []ConnectionState{StateError, StateConnected, StateError}, StateConnected},
		{"connecting beats error", []ConnectionState{StateError, StateConnecting}, StateConnecting},
		{"all errored", []ConnectionState{StateError, StateError}, StateError},
		{"all closed", []ConnectionState{StateDisconnected}, StateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var channels []ChannelStatus
			for _, s := range tt.states {
				channels = append(channels, ChannelStatus{State: s})
			}
			if got := Summarize(channels); got != tt.want {
				t.Errorf("Summarize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSnapshotSorted(t *testing.T) {
	snap := Snapshot{
		"V3": {VehicleID: "V3"},
		"V1": {VehicleID: "V1"},
		"V2": {VehicleID: "V2"},
	}
	got := snap.Sorted()
	for i, want := range []string{"V1", "V2", "V3"} {
		if got[i].VehicleID != want {
			t.Fatalf("Sorted()[%d] = %q, want %q", i, got[i].VehicleID, want)
		}
	}
}

func TestParsedTimestamp(t *testing.T) {
	if _, ok := (VehicleSample{Timestamp: "2024-03-15T10:30:45Z"}).ParsedTimestamp(); !ok {
		t.Error("RFC 3339 timestamp should parse")
	}
	if _, ok := (VehicleSample{Timestamp: "yesterday"}).ParsedTimestamp(); ok {
		t.Error("free text should not parse")
	}
}
