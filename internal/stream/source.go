package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/katasec/dstream-sink-mssql/internal/checkpoint"
)

// Record is one raw message read from the stream, prior to CDC decoding
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Time      time.Time
	Key       []byte
	Value     []byte
}

// Batch is one micro-batch window of records plus the stream position to
// persist once the batch's effects are durably applied.
type Batch struct {
	Records  []Record
	Position checkpoint.Position
}

// Window bounds one micro-batch: whichever of the duration or the record
// cap is reached first closes the batch.
type Window struct {
	Duration   time.Duration
	MaxRecords int
}

// Source yields micro-batches of raw stream records
type Source interface {
	// ReadBatch blocks until the window closes and returns the records read
	ReadBatch(ctx context.Context, window Window) (*Batch, error)

	// Close stops the underlying readers
	Close() error
}

// SourceFactory creates stream sources for the configured provider
type SourceFactory struct {
	provider        string
	brokers         []string
	topic           string
	startingOffsets string
}

// NewSourceFactory initializes a new SourceFactory
func NewSourceFactory(provider string, brokers []string, topic, startingOffsets string) *SourceFactory {
	return &SourceFactory{
		provider:        provider,
		brokers:         brokers,
		topic:           topic,
		startingOffsets: startingOffsets,
	}
}

// CreateSource opens a source resuming from pos, which may be empty
func (f *SourceFactory) CreateSource(ctx context.Context, pos checkpoint.Position) (Source, error) {
	switch f.provider {
	case "kafka":
		return NewKafkaSource(ctx, f.brokers, f.topic, f.startingOffsets, pos)
	default:
		return nil, fmt.Errorf("unsupported stream provider: %s", f.provider)
	}
}
