package cdc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChangeEvent_Insert(t *testing.T) {
	value := []byte(`{"op":"c","ts_ms":1700000000000,"after":{"order_id":1,"status":"new"}}`)

	ev, err := DecodeChangeEvent(value, "order_id")
	require.NoError(t, err)

	assert.Equal(t, Insert, ev.Op)
	assert.Equal(t, float64(1), ev.Key)
	assert.Equal(t, "new", ev.Data["status"])
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ev.Timestamp)
}

func TestDecodeChangeEvent_SnapshotReadIsInsert(t *testing.T) {
	value := []byte(`{"op":"r","ts_ms":1700000000000,"after":{"order_id":"a-1"}}`)

	ev, err := DecodeChangeEvent(value, "order_id")
	require.NoError(t, err)
	assert.Equal(t, Insert, ev.Op)
	assert.Equal(t, "a-1", ev.Key)
}

func TestDecodeChangeEvent_Update(t *testing.T) {
	value := []byte(`{"op":"u","ts_ms":1700000000500,"before":{"order_id":7,"status":"new"},"after":{"order_id":7,"status":"shipped"}}`)

	ev, err := DecodeChangeEvent(value, "order_id")
	require.NoError(t, err)

	assert.Equal(t, Update, ev.Op)
	assert.Equal(t, float64(7), ev.Key)
	assert.Equal(t, "shipped", ev.Data["status"])
}

func TestDecodeChangeEvent_DeleteFallsBackToBeforeImage(t *testing.T) {
	value := []byte(`{"op":"d","ts_ms":1700000001000,"before":{"order_id":7,"status":"shipped"},"after":null}`)

	ev, err := DecodeChangeEvent(value, "order_id")
	require.NoError(t, err)

	assert.Equal(t, Delete, ev.Op)
	assert.Equal(t, float64(7), ev.Key)
}

func TestDecodeChangeEvent_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"invalid JSON", `{"op":`},
		{"missing op", `{"ts_ms":1700000000000,"after":{"order_id":1}}`},
		{"unknown op", `{"op":"x","ts_ms":1700000000000,"after":{"order_id":1}}`},
		{"missing ts_ms", `{"op":"c","after":{"order_id":1}}`},
		{"missing row image", `{"op":"c","ts_ms":1700000000000}`},
		{"delete without any image", `{"op":"d","ts_ms":1700000000000}`},
		{"missing primary key", `{"op":"c","ts_ms":1700000000000,"after":{"status":"new"}}`},
		{"null primary key", `{"op":"c","ts_ms":1700000000000,"after":{"order_id":null}}`},
		{"non-scalar primary key", `{"op":"c","ts_ms":1700000000000,"after":{"order_id":{"a":1}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeChangeEvent([]byte(tt.value), "order_id")
			require.Error(t, err)

			var malformed *MalformedEventError
			assert.ErrorAs(t, err, &malformed)
		})
	}
}
