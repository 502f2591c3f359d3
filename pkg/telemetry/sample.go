// Package telemetry defines the parsed meter-telemetry value object and the
// strict validation that guards its construction. A Sample either passes every
// field rule or is not constructed at all; there are no partial samples.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// MinDeviceIDLength is the shortest device identifier accepted on the wire.
const MinDeviceIDLength = 10

// historyIDLayout matches the millisecond-precision UTC form the source
// system used for history keys, so keys stay stable across reimplementations.
const historyIDLayout = "2006-01-02T15:04:05.000Z"

// ValidationError describes a payload that can never become a valid Sample.
// It marks the failure as permanent: the packet belongs in the dead-letter
// archive, not back on the broker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid telemetry field %s: %s", e.Field, e.Reason)
}

// Sample is an immutable, validated meter-telemetry reading.
type Sample struct {
	DeviceID    string
	Timestamp   time.Time
	TotalEnergy float64
	Voltage     float64
	Current     float64
	Power       float64
	Status      bool
	Uptime      float64
}

// Snapshot is the latest-telemetry summary embedded on the Device aggregate.
// It is only ever replaced by a strictly newer reading.
type Snapshot struct {
	Voltage   float64   `firestore:"voltage" json:"voltage"`
	Current   float64   `firestore:"current" json:"current"`
	Power     float64   `firestore:"power" json:"power"`
	Timestamp time.Time `firestore:"timeStamp" json:"timeStamp"`
}

// Snapshot returns the Device snapshot view of the sample.
func (s *Sample) Snapshot() Snapshot {
	return Snapshot{
		Voltage:   s.Voltage,
		Current:   s.Current,
		Power:     s.Power,
		Timestamp: s.Timestamp,
	}
}

// HistoryID derives the immutable history-entry key for the sample.
func (s *Sample) HistoryID() string {
	return s.DeviceID + "|" + s.Timestamp.UTC().Format(historyIDLayout)
}

// rawSample defers all field decoding so each rule can distinguish a missing
// field from a present-but-invalid one.
type rawSample struct {
	DeviceID    json.RawMessage `json:"DeviceId"`
	Voltage     json.RawMessage `json:"Voltage"`
	Current     json.RawMessage `json:"Current"`
	Power       json.RawMessage `json:"Power"`
	TotalEnergy json.RawMessage `json:"TotalEnergy"`
	TimeStamp   json.RawMessage `json:"TimeStamp"`
	Status      json.RawMessage `json:"Status"`
	Uptime      json.RawMessage `json:"Uptime"`
}

// ParseSample validates a raw JSON payload field by field and constructs a
// Sample. Every failure is a *ValidationError; the payload is never partially
// applied.
func ParseSample(payload []byte) (*Sample, error) {
	var raw rawSample
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}

	sample := &Sample{}

	if isAbsent(raw.DeviceID) {
		return nil, &ValidationError{Field: "DeviceId", Reason: "required"}
	}
	var deviceID string
	if err := json.Unmarshal(raw.DeviceID, &deviceID); err != nil || len(deviceID) < MinDeviceIDLength {
		return nil, &ValidationError{Field: "DeviceId", Reason: fmt.Sprintf("must be a string of at least %d characters", MinDeviceIDLength)}
	}
	sample.DeviceID = deviceID

	var err error
	if sample.Voltage, err = optionalNonNegativeNumber(raw.Voltage, "Voltage"); err != nil {
		return nil, err
	}
	if sample.Current, err = optionalNonNegativeNumber(raw.Current, "Current"); err != nil {
		return nil, err
	}
	if sample.Power, err = optionalNonNegativeNumber(raw.Power, "Power"); err != nil {
		return nil, err
	}

	if isAbsent(raw.TotalEnergy) {
		return nil, &ValidationError{Field: "TotalEnergy", Reason: "required"}
	}
	if sample.TotalEnergy, err = nonNegativeNumber(raw.TotalEnergy, "TotalEnergy"); err != nil {
		return nil, err
	}

	if isAbsent(raw.TimeStamp) {
		return nil, &ValidationError{Field: "TimeStamp", Reason: "required"}
	}
	if sample.Timestamp, err = parseTimestamp(raw.TimeStamp); err != nil {
		return nil, err
	}

	if sample.Status, err = parseStatus(raw.Status); err != nil {
		return nil, err
	}

	if isAbsent(raw.Uptime) {
		return nil, &ValidationError{Field: "Uptime", Reason: "required"}
	}
	var uptime float64
	if err := json.Unmarshal(raw.Uptime, &uptime); err != nil || !(uptime > 0) || math.IsInf(uptime, 0) {
		return nil, &ValidationError{Field: "Uptime", Reason: "must be a number greater than 0"}
	}
	sample.Uptime = uptime

	return sample, nil
}

// isAbsent treats a missing field and an explicit null the same way the
// source system did.
func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// numberFrom accepts a JSON number or a string containing one.
func numberFrom(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func nonNegativeNumber(raw json.RawMessage, field string) (float64, error) {
	f, ok := numberFrom(raw)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, &ValidationError{Field: field, Reason: "must be a finite number >= 0"}
	}
	return f, nil
}

func optionalNonNegativeNumber(raw json.RawMessage, field string) (float64, error) {
	if isAbsent(raw) {
		return 0, nil
	}
	return nonNegativeNumber(raw, field)
}

// parseTimestamp accepts an RFC3339 timestamp, a bare date, or epoch
// milliseconds, matching the forms meters publish in the field.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, &ValidationError{Field: "TimeStamp", Reason: fmt.Sprintf("unrecognized timestamp %q", s)}
	}
	var epochMillis float64
	if err := json.Unmarshal(raw, &epochMillis); err == nil {
		if math.IsNaN(epochMillis) || math.IsInf(epochMillis, 0) {
			return time.Time{}, &ValidationError{Field: "TimeStamp", Reason: "epoch value must be finite"}
		}
		return time.UnixMilli(int64(epochMillis)).UTC(), nil
	}
	return time.Time{}, &ValidationError{Field: "TimeStamp", Reason: "must be an ISO date string or epoch milliseconds"}
}

// parseStatus accepts true/false or the numeric 0/1 some firmware publishes.
func parseStatus(raw json.RawMessage) (bool, error) {
	if isAbsent(raw) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		switch n {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	}
	return false, &ValidationError{Field: "Status", Reason: "must be a boolean or 0/1"}
}
