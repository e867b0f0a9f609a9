package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
)

// Kind classifies one upstream message.
type Kind string

const (
	// KindSample carries vehicle telemetry.
	KindSample Kind = "sample"
	// KindControl acknowledges the stream ("connected" or "subscribed").
	KindControl Kind = "control"
	// KindError is an application error reported by the server.
	KindError Kind = "error"
	// KindUnrecognized has no vehicle identifier and is discarded.
	KindUnrecognized Kind = "unrecognized"
)

// ErrMalformed is returned by Decode when the payload is not a JSON object.
var ErrMalformed = errors.New("malformed telemetry message")

const unknownServerError = "unknown server error"

// Result is the outcome of normalizing one message. Only the field matching
// Kind is set.
type Result struct {
	Kind    Kind
	Sample  model.VehicleSample
	Control string
	Message string
}

var (
	idKeys        = []string{"vehicleId", "vehicleName", "device_id"}
	latitudeKeys  = []string{"latitude", "Latitude", "lat", "Lat"}
	longitudeKeys = []string{"longitude", "Longitude", "lng", "Lng", "lon", "Lon"}
	speedKeys     = []string{"speed", "Speed"}
	altitudeKeys  = []string{"altitude", "Altitude"}

	// Heading is the fourth field from the end of an NMEA-like RawData line.
	rawHeading = regexp.MustCompile(`,(\d+\.\d+),[0-9.]+,[0-9.]+,[0-9.]+$`)

	compass = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}
)

// Normalizer turns decoded messages into samples, stamping them with its clock.
type Normalizer struct {
	clock clock.PassiveClock
}

// NewNormalizer returns a Normalizer reading time from c, or the real clock if nil.
func NewNormalizer(c clock.PassiveClock) *Normalizer {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Normalizer{clock: c}
}

// Decode parses one event payload and normalizes it.
func (n *Normalizer) Decode(data []byte) (Result, error) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg == nil {
		return Result{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return n.Normalize(msg), nil
}

// Normalize classifies msg and builds a sample when it carries one.
func (n *Normalizer) Normalize(msg map[string]any) Result {
	return Normalize(msg, n.clock.Now())
}

// Normalize classifies msg and builds a sample when it carries one. now is
// used only when the message has no usable timestamp.
func Normalize(msg map[string]any, now time.Time) Result {
	if status, ok := msg["status"].(string); ok && (status == "connected" || status == "subscribed") {
		return Result{Kind: KindControl, Control: status}
	}

	if typ, ok := msg["type"].(string); ok && typ == "error" {
		text, ok := scalarText(msg["message"])
		if !ok {
			text = unknownServerError
		}
		return Result{Kind: KindError, Message: text}
	}

	id, ok := firstText(msg, idKeys...)
	if !ok {
		return Result{Kind: KindUnrecognized}
	}

	pos, _ := msg["position"].(map[string]any)

	sample := model.VehicleSample{
		VehicleID: id,
		Position: model.Position{
			Latitude:  coordinate(pos, msg, latitudeKeys, 90, model.FallbackLatitude),
			Longitude: coordinate(pos, msg, longitudeKeys, 180, model.FallbackLongitude),
		},
		Speed:          speed(pos, msg),
		Direction:      direction(pos, msg),
		Altitude:       optional(pos, msg, altitudeKeys...),
		Checkpoint:     optional(pos, msg, "checkpoint"),
		NextCheckpoint: optional(pos, msg, "nextCheckpoint"),
		Timestamp:      timestamp(msg, now),
		Satellites:     nestedOptional(msg, "UsedSatellites", "GPSSatellitesCount", "satellites"),
		Temperature:    nestedOptional(msg, "EnvironmentalData", "Temperature", "temperature"),
		ReceivedAt:     now,
	}

	return Result{Kind: KindSample, Sample: sample}
}

// coordinate reads one axis, preferring the nested position object. Values
// outside [-limit, limit] or unparsable fall back.
func coordinate(pos, msg map[string]any, keys []string, limit, fallback float64) float64 {
	for _, src := range []map[string]any{pos, msg} {
		if v, ok := firstNumber(src, keys...); ok && math.Abs(v) <= limit {
			return v
		}
	}
	return fallback
}

func speed(pos, msg map[string]any) float64 {
	for _, src := range []map[string]any{pos, msg} {
		if v, ok := firstNumber(src, speedKeys...); ok {
			return v
		}
	}
	return 0
}

func direction(pos, msg map[string]any) string {
	for _, src := range []map[string]any{pos, msg} {
		if d, ok := firstText(src, "direction"); ok {
			return d
		}
	}

	if raw, ok := msg["RawData"].(string); ok {
		if m := rawHeading.FindStringSubmatch(strings.TrimSpace(raw)); m != nil {
			if deg, err := strconv.ParseFloat(m[1], 64); err == nil {
				return Cardinal(deg)
			}
		}
	}

	return model.NotAvailable
}

// Cardinal maps a heading in degrees onto the nearest of eight compass points.
func Cardinal(deg float64) string {
	idx := int(math.Floor(deg/45+0.5)) % 8
	if idx < 0 {
		idx += 8
	}
	return compass[idx]
}

func timestamp(msg map[string]any, now time.Time) string {
	switch v := msg["timestamp"].(type) {
	case string:
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	case float64:
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0 {
			return epoch(v).UTC().Format(time.RFC3339)
		}
	}

	if ts, ok := fromDateTime(msg["Date"], msg["Time"]); ok {
		return ts
	}

	return now.UTC().Format(time.RFC3339)
}

// epoch treats large values as milliseconds.
func epoch(v float64) time.Time {
	if v >= 1e12 {
		return time.UnixMilli(int64(v))
	}
	return time.Unix(int64(v), 0)
}

// fromDateTime combines Date (DDMMYY) and Time (HHMMSS.SS) into an ISO-8601
// UTC timestamp in the 2000s.
func fromDateTime(date, clockTime any) (string, bool) {
	d, ok := digits(date, 6)
	if !ok {
		return "", false
	}
	t, ok := digits(clockTime, 6)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("20%s-%s-%sT%s:%s:%sZ", d[4:6], d[2:4], d[0:2], t[0:2], t[2:4], t[4:6]), true
}

// digits returns the first n characters of v when they are all decimal digits.
// Numeric values are zero-padded on the left, as upstream drops leading zeros.
func digits(v any, n int) (string, bool) {
	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	case float64:
		if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		s = fmt.Sprintf("%0*d", n, int64(x))
	default:
		return "", false
	}

	if len(s) < n {
		return "", false
	}
	for _, r := range s[:n] {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s[:n], true
}

func optional(pos, msg map[string]any, keys ...string) string {
	for _, src := range []map[string]any{pos, msg} {
		if s, ok := firstText(src, keys...); ok {
			return s
		}
	}
	return model.NotAvailable
}

// nestedOptional reads parent.child, then the flat key.
func nestedOptional(msg map[string]any, parent, child, flat string) string {
	if p, ok := msg[parent].(map[string]any); ok {
		if s, ok := scalarText(p[child]); ok {
			return s
		}
	}
	if s, ok := scalarText(msg[flat]); ok {
		return s
	}
	return model.NotAvailable
}

func firstText(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := scalarText(m[k]); ok {
			return s, true
		}
	}
	return "", false
}

func firstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := number(m[k]); ok {
			return f, true
		}
	}
	return 0, false
}

// scalarText renders a string or number as non-blank text.
func scalarText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		x = strings.TrimSpace(x)
		return x, x != ""
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number, int, int64:
		s, err := cast.ToStringE(x)
		return s, err == nil && s != ""
	default:
		return "", false
	}
}

// number accepts numbers and numeric strings; anything else, including
// NaN and infinities, is rejected.
func number(v any) (float64, bool) {
	switch v.(type) {
	case string, float64, json.Number, int, int64:
	default:
		return 0, false
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
		if v == "" {
			return 0, false
		}
	}

	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
