package cdc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-sink-mssql/pkg/cdc"
)

func event(key any, op cdc.ChangeType, tsMillis int64, data map[string]any) cdc.ChangeEvent {
	if data == nil {
		data = map[string]any{}
	}
	return cdc.ChangeEvent{Key: key, Data: data, Op: op, Timestamp: time.UnixMilli(tsMillis).UTC()}
}

func TestDedupe_KeepsLatestTimestampPerKey(t *testing.T) {
	events := []cdc.ChangeEvent{
		event(1, cdc.Update, 100, map[string]any{"v": "a"}),
		event(1, cdc.Update, 200, map[string]any{"v": "b"}),
		event(2, cdc.Delete, 150, nil),
	}

	deduped := Dedupe(events)
	require.Len(t, deduped, 2)

	assert.Equal(t, "b", deduped[0].Data["v"])
	assert.Equal(t, cdc.Delete, deduped[1].Op)
}

func TestDedupe_InvariantUnderReordering(t *testing.T) {
	a := event(1, cdc.Update, 100, map[string]any{"v": "a"})
	b := event(1, cdc.Update, 200, map[string]any{"v": "b"})
	c := event(2, cdc.Insert, 150, map[string]any{"v": "c"})

	orderings := [][]cdc.ChangeEvent{
		{a, b, c},
		{b, a, c},
		{c, b, a},
		{b, c, a},
	}

	for _, events := range orderings {
		deduped := Dedupe(events)
		require.Len(t, deduped, 2)

		byKey := map[any]cdc.ChangeEvent{}
		for _, ev := range deduped {
			byKey[ev.Key] = ev
		}
		assert.Equal(t, "b", byKey[1].Data["v"])
		assert.Equal(t, "c", byKey[2].Data["v"])
	}
}

func TestDedupe_InvariantUnderDuplicateWinner(t *testing.T) {
	winner := event(1, cdc.Update, 200, map[string]any{"v": "b"})
	events := []cdc.ChangeEvent{
		event(1, cdc.Update, 100, map[string]any{"v": "a"}),
		winner,
		winner,
	}

	deduped := Dedupe(events)
	require.Len(t, deduped, 1)
	assert.Equal(t, "b", deduped[0].Data["v"])
}

func TestDedupe_EqualTimestampsLastArrivalWins(t *testing.T) {
	events := []cdc.ChangeEvent{
		event("k", cdc.Update, 100, map[string]any{"v": "first"}),
		event("k", cdc.Update, 100, map[string]any{"v": "second"}),
	}

	deduped := Dedupe(events)
	require.Len(t, deduped, 1)
	assert.Equal(t, "second", deduped[0].Data["v"])
}

func TestDedupe_Empty(t *testing.T) {
	assert.Empty(t, Dedupe(nil))
	assert.Empty(t, Dedupe([]cdc.ChangeEvent{}))
}

func TestDedupe_OutputNoLargerThanInput(t *testing.T) {
	events := []cdc.ChangeEvent{
		event(1, cdc.Insert, 1, nil),
		event(2, cdc.Insert, 2, nil),
		event(1, cdc.Update, 3, nil),
		event(3, cdc.Delete, 4, nil),
	}

	deduped := Dedupe(events)
	assert.Len(t, deduped, 3)
}
