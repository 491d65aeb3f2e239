package twinsync

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mainflux/senml"
)

// TelemetryEvent is a single message of device telemetry, decoded from
// whatever transport delivered it. Events are consumed once and never
// persisted.
type TelemetryEvent struct {
	// ID identifies the message for logging. It may be empty.
	ID       string
	DeviceID string
	// Timestamp is when the device (or its hub) produced the message. Zero when
	// unknown.
	Timestamp time.Time
	// Fields maps telemetry names to their values: float64, string or bool.
	Fields map[string]any
}

// A Decoder turns a transport message into a TelemetryEvent. The metadata
// carries transport-level attributes, such as pubsub message metadata or MQTT
// topic segments; it may be nil.
type Decoder func(body []byte, metadata map[string]string) (TelemetryEvent, error)

// Metadata keys consulted by decoders when the body itself does not identify
// the message or its device.
const (
	MetadataEventID  = "event-id"
	MetadataDeviceID = "device-id"
)

// ErrNoDevice is returned by decoders when a message names no device.
var ErrNoDevice = errors.New("message does not identify a device")

// iotHubMessage is the envelope IoT Hub wraps device-to-cloud messages in when
// routing them to Event Grid and Event Hubs consumers.
type iotHubMessage struct {
	Properties       map[string]string `json:"properties"`
	SystemProperties map[string]any    `json:"systemProperties"`
	Body             json.RawMessage   `json:"body"`
}

const (
	iotHubDeviceID     = "iothub-connection-device-id"
	iotHubEnqueuedTime = "iothub-enqueuedtime"
	iotHubMessageID    = "message-id"
)

// DecodeIoTHubEvent decodes an IoT Hub telemetry envelope:
//
//	{
//	  "systemProperties": {"iothub-connection-device-id": "serra01", "iothub-enqueuedtime": "2024-05-01T10:00:00Z"},
//	  "body": {"Type": "Tomato", "Moisture": 30.5, "UV": 4}
//	}
//
// The body is either a JSON object or a base64 string holding one, which is
// how IoT Hub forwards messages sent without a JSON content type.
func DecodeIoTHubEvent(body []byte, metadata map[string]string) (TelemetryEvent, error) {
	var msg iotHubMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return TelemetryEvent{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	event := TelemetryEvent{
		ID:       metadata[MetadataEventID],
		DeviceID: metadata[MetadataDeviceID],
	}
	if id, ok := msg.SystemProperties[iotHubDeviceID].(string); ok && id != "" {
		event.DeviceID = id
	}
	if event.DeviceID == "" {
		return TelemetryEvent{}, ErrNoDevice
	}
	if id, ok := msg.SystemProperties[iotHubMessageID].(string); ok && id != "" && event.ID == "" {
		event.ID = id
	}
	if enqueued, ok := msg.SystemProperties[iotHubEnqueuedTime].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, enqueued)
		if err != nil {
			return TelemetryEvent{}, fmt.Errorf("parse %s: %w", iotHubEnqueuedTime, err)
		}
		event.Timestamp = t
	}

	fields, err := decodeBody(msg.Body)
	if err != nil {
		return TelemetryEvent{}, err
	}
	event.Fields = fields
	return event, nil
}

func decodeBody(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("unmarshal body: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		raw = b
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	for name, v := range fields {
		switch v.(type) {
		case float64, string, bool:
		default:
			// Nested objects, arrays and nulls have no property to land in.
			delete(fields, name)
		}
	}
	return fields, nil
}

// DecodeSenML decodes a SenML JSON pack. Each normalized record name is split
// at its last '/' into a device id and a field name, so a pack with base name
// "serra01/" and record "Moisture" yields field "Moisture" of device
// "serra01". Records without a '/' belong to the device named in metadata.
//
// All records must belong to the same device. When a field repeats, the
// latest record wins.
func DecodeSenML(body []byte, metadata map[string]string) (TelemetryEvent, error) {
	return decodeSenML(body, senml.JSON, metadata)
}

// DecodeSenMLCBOR is like DecodeSenML for SenML CBOR packs.
func DecodeSenMLCBOR(body []byte, metadata map[string]string) (TelemetryEvent, error) {
	return decodeSenML(body, senml.CBOR, metadata)
}

func decodeSenML(body []byte, format senml.Format, metadata map[string]string) (TelemetryEvent, error) {
	raw, err := senml.Decode(body, format)
	if err != nil {
		return TelemetryEvent{}, fmt.Errorf("decode senml: %w", err)
	}
	pack, err := senml.Normalize(raw)
	if err != nil {
		return TelemetryEvent{}, fmt.Errorf("normalize senml: %w", err)
	}

	event := TelemetryEvent{
		ID:     metadata[MetadataEventID],
		Fields: make(map[string]any, len(pack.Records)),
	}
	var latest float64
	for _, r := range pack.Records {
		device, field := metadata[MetadataDeviceID], r.Name
		if i := strings.LastIndexByte(r.Name, '/'); i >= 0 {
			device, field = r.Name[:i], r.Name[i+1:]
		}
		if device == "" {
			return TelemetryEvent{}, ErrNoDevice
		}
		if event.DeviceID == "" {
			event.DeviceID = device
		} else if event.DeviceID != device {
			return TelemetryEvent{}, fmt.Errorf("senml pack mixes devices %q and %q", event.DeviceID, device)
		}
		if field == "" {
			continue
		}
		if v, ok := senmlValue(r); ok {
			event.Fields[field] = v
		}
		latest = math.Max(latest, r.Time)
	}
	if event.DeviceID == "" {
		return TelemetryEvent{}, ErrNoDevice
	}
	if latest > 0 {
		sec, frac := math.Modf(latest)
		event.Timestamp = time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	}
	return event, nil
}

func senmlValue(r senml.Record) (any, bool) {
	switch {
	case r.Value != nil:
		return *r.Value, true
	case r.StringValue != nil:
		return *r.StringValue, true
	case r.BoolValue != nil:
		return *r.BoolValue, true
	case r.DataValue != nil:
		return *r.DataValue, true
	case r.Sum != nil:
		return *r.Sum, true
	default:
		return nil, false
	}
}
