package options

import (
	"testing"
	"time"
)

func TestStreamOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *StreamOptions)
		wantErr int
	}{
		{"defaults", func(o *StreamOptions) {}, 0},
		{"missing endpoint", func(o *StreamOptions) { o.Endpoint = "" }, 1},
		{"bad mode", func(o *StreamOptions) { o.Mode = "fanout" }, 1},
		{"zero retry delay", func(o *StreamOptions) { o.RetryDelay = 0 }, 1},
		{"negative dial timeout", func(o *StreamOptions) { o.DialTimeout = -time.Second }, 1},
		{"all mode", func(o *StreamOptions) { o.Mode = "all" }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewStreamOptions()
			tt.mutate(o)
			if errs := o.Validate(); len(errs) != tt.wantErr {
				t.Fatalf("got %d errors (%v), want %d", len(errs), errs, tt.wantErr)
			}
		})
	}
}

func TestStreamOptionsComplete(t *testing.T) {
	o := NewStreamOptions()
	o.Mode = " Single "
	o.Vehicles = []string{"V1", " ", "", " V2 "}
	o.Complete()

	if o.Mode != "single" {
		t.Errorf("mode = %q, want single", o.Mode)
	}
	if len(o.Vehicles) != 2 || o.Vehicles[0] != "V1" || o.Vehicles[1] != "V2" {
		t.Errorf("vehicles = %v, want [V1 V2]", o.Vehicles)
	}
}

func TestMqttOptionsValidate(t *testing.T) {
	o := NewMqttOptions()
	if o.Enabled() {
		t.Fatal("forwarding should be disabled without a broker")
	}
	if errs := o.Validate(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	o.Broker = "mqtt://broker.local:1883"
	o.QoS = 3
	if errs := o.Validate(); len(errs) != 1 {
		t.Fatalf("expected a single qos error, got %v", errs)
	}
}

func TestValidateAddress(t *testing.T) {
	for addr, ok := range map[string]bool{
		"0.0.0.0:8080": true,
		":9090":        true,
		"localhost":    false,
		"host:99999":   false,
	} {
		if err := ValidateAddress(addr); (err == nil) != ok {
			t.Errorf("ValidateAddress(%q) = %v, want ok=%v", addr, err, ok)
		}
	}
}

func TestHttpAndConsoleOptionsValidate(t *testing.T) {
	h := NewHttpOptions()
	if errs := h.Validate(); len(errs) != 0 {
		t.Fatalf("default http options: %v", errs)
	}
	h.Addr = "localhost"
	h.ShutdownTimeout = 0
	if errs := h.Validate(); len(errs) != 2 {
		t.Errorf("got %v, want address and timeout errors", errs)
	}

	c := NewConsoleOptions()
	if errs := c.Validate(); len(errs) != 0 {
		t.Fatalf("default console options: %v", errs)
	}
	c.Interval = time.Millisecond
	if errs := c.Validate(); len(errs) != 1 {
		t.Errorf("got %v, want interval error", errs)
	}
}
