package cdc

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType represents the type of change applied to a row
type ChangeType string

const (
	// Insert represents a new row being added
	Insert ChangeType = "insert"
	// Update represents a row being modified
	Update ChangeType = "update"
	// Delete represents a row being removed
	Delete ChangeType = "delete"
)

// ChangeEvent represents a single row-level change received from the stream.
// Events are immutable once decoded; Key is the value of the configured
// primary-key field and Data holds the full row image.
type ChangeEvent struct {
	Key       any            `json:"key"`
	Data      map[string]any `json:"data"`
	Op        ChangeType     `json:"op"`
	Timestamp time.Time      `json:"timestamp"`
}

// MalformedEventError reports a stream record that cannot be decoded into a
// ChangeEvent. Malformed records fail the whole batch so the checkpoint
// never advances past bad data.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed change event: %s", e.Reason)
}

// envelope is the Debezium-style wire format: "op" carries the event kind,
// "ts_ms" the source timestamp, "after"/"before" the row images.
type envelope struct {
	Op     string         `json:"op"`
	TsMs   *int64         `json:"ts_ms"`
	After  map[string]any `json:"after"`
	Before map[string]any `json:"before"`
}

// DecodeChangeEvent decodes a raw stream record value into a ChangeEvent,
// deriving the event key from the named primary-key field. Deletes carry a
// null "after" image on standard topics, so the key falls back to "before".
func DecodeChangeEvent(value []byte, primaryKey string) (ChangeEvent, error) {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return ChangeEvent{}, &MalformedEventError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	var op ChangeType
	switch env.Op {
	case "c", "r":
		op = Insert
	case "u":
		op = Update
	case "d":
		op = Delete
	case "":
		return ChangeEvent{}, &MalformedEventError{Reason: "missing op field"}
	default:
		return ChangeEvent{}, &MalformedEventError{Reason: fmt.Sprintf("unknown op %q", env.Op)}
	}

	if env.TsMs == nil {
		return ChangeEvent{}, &MalformedEventError{Reason: "missing ts_ms field"}
	}

	image := env.After
	if image == nil && op == Delete {
		image = env.Before
	}
	if image == nil {
		return ChangeEvent{}, &MalformedEventError{Reason: "missing row image"}
	}

	key, ok := image[primaryKey]
	if !ok || key == nil {
		return ChangeEvent{}, &MalformedEventError{Reason: fmt.Sprintf("missing primary key field %q", primaryKey)}
	}
	switch key.(type) {
	case string, float64, bool, json.Number:
	default:
		return ChangeEvent{}, &MalformedEventError{Reason: fmt.Sprintf("primary key field %q is not a scalar", primaryKey)}
	}

	return ChangeEvent{
		Key:       key,
		Data:      image,
		Op:        op,
		Timestamp: time.UnixMilli(*env.TsMs).UTC(),
	}, nil
}
