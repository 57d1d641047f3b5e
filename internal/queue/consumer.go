package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/agentlens/internal/capture"
)

// RelayConsumer writes relayed record batches into the local captures
// directory, one append log per remote process, where the daemon's sync
// loop imports them like any other capture file.
type RelayConsumer struct {
	conn       *Connection
	dir        string
	workers    int
	prefetch   int
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.Mutex
	sinks map[string]*capture.FileSink
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Workers  int // Number of concurrent workers
	Prefetch int // Prefetch count per worker
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:  2,
		Prefetch: 8,
	}
}

// NewRelayConsumer creates a consumer writing below dir.
func NewRelayConsumer(conn *Connection, dir string, cfg ConsumerConfig) *RelayConsumer {
	def := DefaultConsumerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = def.Prefetch
	}

	return &RelayConsumer{
		conn:     conn,
		dir:      dir,
		workers:  cfg.Workers,
		prefetch: cfg.Prefetch,
		sinks:    make(map[string]*capture.FileSink),
	}
}

// Start begins consuming messages
func (c *RelayConsumer) Start(ctx context.Context) error {
	ctx, c.cancelFunc = context.WithCancel(ctx)

	ch := c.conn.Channel()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		CaptureQueueName,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (manual ack for reliability)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.Info("starting capture relay consumer", "workers", c.workers, "prefetch", c.prefetch)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, msgs)
	}

	return nil
}

// worker processes messages from the queue
func (c *RelayConsumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-msgs:
			if !ok {
				slog.Debug("message channel closed", "worker_id", id)
				return
			}
			c.processMessage(id, msg)
		}
	}
}

var errMalformed = errors.New("malformed record batch")

// processMessage handles a single delivery. Malformed batches are dropped;
// write failures are requeued.
func (c *RelayConsumer) processMessage(workerID int, msg amqp.Delivery) {
	err := c.handle(msg.Body)
	switch {
	case err == nil:
		if err := msg.Ack(false); err != nil {
			slog.Error("failed to ack message", "worker_id", workerID, "error", err)
		}
	case errors.Is(err, errMalformed):
		slog.Error("dropping relay message", "worker_id", workerID, "error", err)
		_ = msg.Reject(false)
	default:
		slog.Warn("relay write failed, requeueing", "worker_id", workerID, "error", err)
		_ = msg.Nack(false, true)
	}
}

// handle appends one encoded batch to its process log.
func (c *RelayConsumer) handle(body []byte) error {
	var batch RecordBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if batch.ExternalID == "" {
		return fmt.Errorf("%w: no external id", errMalformed)
	}
	if len(batch.Records) == 0 {
		return nil
	}

	sink, err := c.sink(batch)
	if err != nil {
		return err
	}
	return sink.Write(batch.Records)
}

func (c *RelayConsumer) sink(batch RecordBatch) (*capture.FileSink, error) {
	name := "relay-" + capture.SafeName(batch.Host) + "-" + strconv.Itoa(batch.PID) + ".jsonl"
	path := filepath.Join(c.dir, capture.SafeName(batch.ExternalID), name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sinks[path]; ok {
		return s, nil
	}
	if err := mkdirFor(path); err != nil {
		return nil, err
	}
	s, err := capture.OpenFileSink(path)
	if err != nil {
		return nil, err
	}
	c.sinks[path] = s
	return s, nil
}

// Stop stops the workers and closes every relay log.
func (c *RelayConsumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for path, s := range c.sinks {
		if err := s.Close(); err != nil {
			slog.Warn("failed to close relay log", "path", path, "error", err)
		}
	}
	c.sinks = make(map[string]*capture.FileSink)
	slog.Info("capture relay consumer stopped")
}

func mkdirFor(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create relay dir: %w", err)
	}
	return nil
}
