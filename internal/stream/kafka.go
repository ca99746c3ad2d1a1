package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/katasec/dstream-sink-mssql/internal/checkpoint"
	"github.com/katasec/dstream-sink-mssql/internal/logging"
)

// Starting-offset policies for partitions with no checkpointed position
const (
	OffsetsLatest   = "latest"
	OffsetsEarliest = "earliest"
)

const recordBufferSize = 256

// KafkaSource reads one topic with a dedicated reader per partition, fanned
// into a single channel so a batch window drains all partitions concurrently.
type KafkaSource struct {
	topic    string
	readers  []*kafka.Reader
	records  chan Record
	errs     chan error
	position checkpoint.Position
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewKafkaSource discovers the topic's partitions and seeds each reader from
// the checkpointed position, falling back to the starting-offset policy for
// partitions the checkpoint does not cover.
func NewKafkaSource(ctx context.Context, brokers []string, topic, startingOffsets string, pos checkpoint.Position) (*KafkaSource, error) {
	log := logging.GetLogger()

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka broker %s: %w", brokers[0], err)
	}
	partitions, err := conn.ReadPartitions(topic)
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read partitions for topic %s: %w", topic, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &KafkaSource{
		topic:    topic,
		records:  make(chan Record, recordBufferSize),
		errs:     make(chan error, len(partitions)),
		position: pos.Clone(),
		cancel:   cancel,
	}

	for _, p := range partitions {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   brokers,
			Topic:     topic,
			Partition: p.ID,
			MinBytes:  1,
			MaxBytes:  10e6,
		})

		offset, checkpointed := pos[p.ID]
		if !checkpointed {
			offset = kafka.LastOffset
			if startingOffsets == OffsetsEarliest {
				offset = kafka.FirstOffset
			}
		}
		if err := reader.SetOffset(offset); err != nil {
			cancel()
			reader.Close()
			s.closeReaders()
			return nil, fmt.Errorf("failed to seek partition %d of topic %s: %w", p.ID, topic, err)
		}

		s.readers = append(s.readers, reader)
		s.wg.Add(1)
		go s.pump(readCtx, reader)
	}

	log.Info("Kafka source opened", "topic", topic, "partitions", len(partitions), "startingOffsets", startingOffsets)
	return s, nil
}

// pump feeds one partition reader into the shared record channel
func (s *KafkaSource) pump(ctx context.Context, reader *kafka.Reader) {
	defer s.wg.Done()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case s.errs <- fmt.Errorf("read failed on partition %d of topic %s: %w", reader.Config().Partition, s.topic, err):
				default:
				}
			}
			return
		}

		rec := Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Time:      msg.Time,
			Key:       msg.Key,
			Value:     msg.Value,
		}

		select {
		case s.records <- rec:
		case <-ctx.Done():
			return
		}
	}
}

// ReadBatch drains the record channel until the window duration elapses or
// the record cap is hit. The returned position is the next offset to consume
// per partition once this batch is durably applied.
func (s *KafkaSource) ReadBatch(ctx context.Context, window Window) (*Batch, error) {
	// Surface reader failures from previous windows before blocking
	select {
	case err := <-s.errs:
		return nil, err
	default:
	}

	batch := &Batch{}
	timer := time.NewTimer(window.Duration)
	defer timer.Stop()

drain:
	for window.MaxRecords <= 0 || len(batch.Records) < window.MaxRecords {
		select {
		case rec := <-s.records:
			batch.Records = append(batch.Records, rec)
			s.position[rec.Partition] = rec.Offset + 1
		case err := <-s.errs:
			return nil, err
		case <-timer.C:
			break drain
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	batch.Position = s.position.Clone()
	return batch, nil
}

// Close stops all partition readers
func (s *KafkaSource) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.closeReaders()
}

func (s *KafkaSource) closeReaders() error {
	var firstErr error
	for _, reader := range s.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
