package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-sink-mssql/internal/cdc"
	"github.com/katasec/dstream-sink-mssql/internal/checkpoint"
	"github.com/katasec/dstream-sink-mssql/internal/db"
	"github.com/katasec/dstream-sink-mssql/internal/merge"
	"github.com/katasec/dstream-sink-mssql/internal/stream"
)

var testSchema = []db.Column{
	{Name: "order_id", Nullable: false},
	{Name: "v", Nullable: true},
}

// fakeSource serves queued batches, then cancels the run context so Run exits
type fakeSource struct {
	batches []*stream.Batch
	cancel  context.CancelFunc
	closed  int
}

func (s *fakeSource) ReadBatch(ctx context.Context, _ stream.Window) (*stream.Batch, error) {
	if len(s.batches) == 0 {
		s.cancel()
		return nil, ctx.Err()
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *fakeSource) Close() error {
	s.closed++
	return nil
}

// fakeOpener pops one source per CreateSource call, recording the positions
// the runner reopened from
type fakeOpener struct {
	sources []*fakeSource
	opens   []checkpoint.Position
}

func (o *fakeOpener) CreateSource(_ context.Context, pos checkpoint.Position) (stream.Source, error) {
	o.opens = append(o.opens, pos.Clone())
	if len(o.sources) == 0 {
		return nil, errors.New("no more sources")
	}
	source := o.sources[0]
	o.sources = o.sources[1:]
	return source, nil
}

type fakeGuard struct {
	err   error
	calls int
}

func (g *fakeGuard) EnsureTableExists(context.Context) error {
	g.calls++
	return g.err
}

// fakeApplier keeps an in-memory table with merge semantics: upserts replace
// whole rows, deletes of absent keys are no-ops
type fakeApplier struct {
	table          map[any]map[string]any
	deleteFailures int
	upsertCalls    int
	deleteCalls    int
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{table: map[any]map[string]any{}}
}

func (a *fakeApplier) ApplyUpserts(_ context.Context, rows []cdc.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	a.upsertCalls++
	for _, row := range rows {
		a.table[row.Key] = row.Values
	}
	return int64(len(rows)), nil
}

func (a *fakeApplier) ApplyDeletes(_ context.Context, keys []any) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	a.deleteCalls++
	if a.deleteFailures > 0 {
		a.deleteFailures--
		return 0, &merge.MergeError{Kind: "delete", Err: errors.New("storage unavailable")}
	}
	var affected int64
	for _, key := range keys {
		if _, ok := a.table[key]; ok {
			delete(a.table, key)
			affected++
		}
	}
	return affected, nil
}

type fakeCheckpointer struct {
	pos   checkpoint.Position
	saves int
}

func (c *fakeCheckpointer) Load() (checkpoint.Position, error) {
	return c.pos.Clone(), nil
}

func (c *fakeCheckpointer) Save(pos checkpoint.Position) error {
	c.pos = pos.Clone()
	c.saves++
	return nil
}

func record(partition int, offset int64, op string, tsMillis int64, row map[string]any) stream.Record {
	env := map[string]any{"op": op, "ts_ms": tsMillis}
	if op == "d" {
		env["before"] = row
	} else {
		env["after"] = row
	}
	value, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return stream.Record{
		Topic:     "orders.cdc",
		Partition: partition,
		Offset:    offset,
		Time:      time.UnixMilli(tsMillis),
		Value:     value,
	}
}

func newTestRunner(opener *fakeOpener, guard *fakeGuard, applier *fakeApplier, checkpoints *fakeCheckpointer) *Runner {
	runner := NewRunner(opener, guard, applier, checkpoints, testSchema, "order_id", stream.Window{Duration: 10 * time.Millisecond, MaxRecords: 100})
	runner.retryInterval = time.Millisecond
	runner.maxRetryInterval = 2 * time.Millisecond
	return runner
}

func TestRunner_AppliesBatchAndAdvancesCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seed a pre-existing row so the delete has something to remove
	applier := newFakeApplier()
	applier.table[float64(2)] = map[string]any{"order_id": float64(2), "v": "old"}

	batch := &stream.Batch{
		Records: []stream.Record{
			record(0, 10, "u", 100, map[string]any{"order_id": 1, "v": "a"}),
			record(0, 11, "u", 200, map[string]any{"order_id": 1, "v": "b"}),
			record(0, 12, "d", 150, map[string]any{"order_id": 2}),
		},
		Position: checkpoint.Position{0: 13},
	}

	opener := &fakeOpener{sources: []*fakeSource{{batches: []*stream.Batch{batch}, cancel: cancel}}}
	guard := &fakeGuard{}
	checkpoints := &fakeCheckpointer{}

	err := newTestRunner(opener, guard, applier, checkpoints).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Dedup picked ts=200 for key 1, delete removed key 2
	require.Contains(t, applier.table, float64(1))
	assert.Equal(t, "b", applier.table[float64(1)]["v"])
	assert.NotContains(t, applier.table, float64(2))

	assert.Equal(t, 1, guard.calls)
	assert.Equal(t, 1, applier.upsertCalls)
	assert.Equal(t, 1, applier.deleteCalls)
	assert.Equal(t, 1, checkpoints.saves)
	assert.Equal(t, checkpoint.Position{0: 13}, checkpoints.pos)
}

func TestRunner_EmptyBatchAdvancesCheckpointWithoutMerges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batch := &stream.Batch{Position: checkpoint.Position{0: 5}}
	opener := &fakeOpener{sources: []*fakeSource{{batches: []*stream.Batch{batch}, cancel: cancel}}}
	guard := &fakeGuard{}
	applier := newFakeApplier()
	checkpoints := &fakeCheckpointer{}

	err := newTestRunner(opener, guard, applier, checkpoints).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Zero(t, guard.calls)
	assert.Zero(t, applier.upsertCalls)
	assert.Zero(t, applier.deleteCalls)
	assert.Equal(t, 1, checkpoints.saves)
	assert.Equal(t, checkpoint.Position{0: 5}, checkpoints.pos)
}

// A delete failure after upserts succeeded must not advance the checkpoint;
// the replayed batch re-applies the same upserts without error and the table
// ends in the same state as a single clean run.
func TestRunner_DeleteFailureReplaysFromCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	makeBatch := func() *stream.Batch {
		return &stream.Batch{
			Records: []stream.Record{
				record(0, 10, "u", 200, map[string]any{"order_id": 1, "v": "b"}),
				record(0, 11, "d", 150, map[string]any{"order_id": 2}),
			},
			Position: checkpoint.Position{0: 12},
		}
	}

	first := &fakeSource{batches: []*stream.Batch{makeBatch()}}
	replay := &fakeSource{batches: []*stream.Batch{makeBatch()}, cancel: cancel}
	opener := &fakeOpener{sources: []*fakeSource{first, replay}}

	applier := newFakeApplier()
	applier.table[float64(2)] = map[string]any{"order_id": float64(2), "v": "old"}
	applier.deleteFailures = 1

	guard := &fakeGuard{}
	checkpoints := &fakeCheckpointer{pos: checkpoint.Position{0: 10}}

	err := newTestRunner(opener, guard, applier, checkpoints).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// First attempt applied upserts, failed deletes, left the checkpoint alone
	// and reopened the source from the last durable position.
	require.Len(t, opener.opens, 2)
	assert.Equal(t, checkpoint.Position{0: 10}, opener.opens[1])
	assert.Equal(t, 1, first.closed)

	// Replay succeeded end to end
	assert.Equal(t, 2, applier.upsertCalls)
	assert.Equal(t, "b", applier.table[float64(1)]["v"])
	assert.NotContains(t, applier.table, float64(2))
	assert.Equal(t, 1, checkpoints.saves)
	assert.Equal(t, checkpoint.Position{0: 12}, checkpoints.pos)
}

func TestRunner_TableNotFoundIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batch := &stream.Batch{
		Records:  []stream.Record{record(0, 10, "c", 100, map[string]any{"order_id": 1})},
		Position: checkpoint.Position{0: 11},
	}
	opener := &fakeOpener{sources: []*fakeSource{{batches: []*stream.Batch{batch}, cancel: cancel}}}

	notFound := &merge.TableNotFoundError{Table: merge.TableIdent{Database: "sales", Schema: "dbo", Name: "orders"}}
	guard := &fakeGuard{err: notFound}
	applier := newFakeApplier()
	checkpoints := &fakeCheckpointer{}

	err := newTestRunner(opener, guard, applier, checkpoints).Run(ctx)
	require.Error(t, err)

	var target *merge.TableNotFoundError
	assert.ErrorAs(t, err, &target)
	assert.Zero(t, applier.upsertCalls)
	assert.Zero(t, checkpoints.saves)
}

func TestRunner_MalformedEventFailsBatchWithoutCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bad := stream.Record{Topic: "orders.cdc", Partition: 0, Offset: 10, Value: []byte(`{"ts_ms":100}`)}
	batch := &stream.Batch{Records: []stream.Record{bad}, Position: checkpoint.Position{0: 11}}

	first := &fakeSource{batches: []*stream.Batch{batch}}
	replay := &fakeSource{cancel: cancel}
	opener := &fakeOpener{sources: []*fakeSource{first, replay}}

	guard := &fakeGuard{}
	applier := newFakeApplier()
	checkpoints := &fakeCheckpointer{}

	err := newTestRunner(opener, guard, applier, checkpoints).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The malformed record failed the batch before any merge work
	assert.Zero(t, applier.upsertCalls)
	assert.Zero(t, applier.deleteCalls)
	assert.Zero(t, checkpoints.saves)
	assert.Len(t, opener.opens, 2)
}
