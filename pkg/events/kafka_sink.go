package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes committed events to a Kafka topic, keyed by market so
// one market's events stay ordered within a partition.
//
// Publish never blocks the engine: events are queued and a background loop
// writes them. When the queue is full the event is dropped and counted.
type KafkaSink struct {
	writer messageWriter
	queue  chan Event
	logger *zap.SugaredLogger

	mu      sync.Mutex
	dropped uint64

	done chan struct{}
	once sync.Once
}

// NewKafkaSink creates a sink writing to topic on the given brokers
func NewKafkaSink(brokers []string, topic string, logger *zap.SugaredLogger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(w, 1024, logger)
}

func newKafkaSink(w messageWriter, buffer int, logger *zap.SugaredLogger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &KafkaSink{
		writer: w,
		queue:  make(chan Event, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *KafkaSink) Publish(ev Event) {
	select {
	case s.queue <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.logger.Warnw("kafka_event_dropped", "type", ev.Type.String(), "dropped_total", n)
	}
}

// Dropped returns how many events were discarded because the queue was full
func (s *KafkaSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *KafkaSink) loop() {
	defer close(s.done)
	for ev := range s.queue {
		batch := []kafka.Message{s.message(ev)}
		// drain what is already queued into the same write
	drain:
		for len(batch) < 100 {
			select {
			case next, ok := <-s.queue:
				if !ok {
					break drain
				}
				batch = append(batch, s.message(next))
			default:
				break drain
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.writer.WriteMessages(ctx, batch...); err != nil {
			s.logger.Errorw("kafka_write_failed", "count", len(batch), "err", err)
		}
		cancel()
	}
}

func (s *KafkaSink) message(ev Event) kafka.Message {
	value, _ := json.Marshal(ev)
	return kafka.Message{
		Key:   []byte(ev.Market),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type.String())},
		},
	}
}

// Close flushes queued events and closes the writer.
// Publish must not be called after Close.
func (s *KafkaSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.queue)
		<-s.done
		err = s.writer.Close()
	})
	return err
}
