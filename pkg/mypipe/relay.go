package mypipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Exporter moves messages out of a device into a Redis stream.
// Every message read from the device is appended with
//
//	XADD {namespace}:{device} MAXLEN ~ {maxLen} * v 1 payload {bytes} produced_at {iso} producer {name} trace_id {uuid}
//
// and retried with backoff until Redis accepts it, so the stream receives
// messages in pipe order.
type Exporter struct {
	client   *redis.Client
	device   *Device
	config   Config
	producer string
	logger   *slog.Logger

	// Lifecycle
	cancel  context.CancelFunc
	doneCh  chan struct{}
	running atomic.Bool
	mu      sync.Mutex

	exported atomic.Int64
}

// NewExporter creates an Exporter reading from device.
func NewExporter(client *redis.Client, device *Device, config Config) *Exporter {
	config = config.WithDefaults()
	producer := config.Relay.Producer
	if producer == "" {
		producer = generateProducerName("mypipe")
	}

	return &Exporter{
		client:   client,
		device:   device,
		config:   config,
		producer: producer,
		logger:   slog.Default(),
	}
}

// Producer returns the producer name stamped on exported envelopes.
func (e *Exporter) Producer() string {
	return e.producer
}

// Exported returns how many messages reached the stream.
func (e *Exporter) Exported() int64 {
	return e.exported.Load()
}

// Start begins exporting in a goroutine and returns immediately.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return errors.New("mypipe: exporter is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.doneCh = make(chan struct{})
	e.running.Store(true)

	go func() {
		defer close(e.doneCh)
		if err := e.run(ctx); err != nil {
			e.logger.Error("export loop error", "device", e.device.Name(), "error", err)
		}
	}()

	return nil
}

// Stop interrupts the export loop and waits for it to return. A message
// already read from the device keeps being retried for up to
// Device.ShutdownTimeoutMs; if Redis has not accepted it by then it is
// dropped and logged.
func (e *Exporter) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return nil
	}

	e.cancel()
	<-e.doneCh
	e.running.Store(false)
	return nil
}

func (e *Exporter) run(ctx context.Context) error {
	stream := StreamKey(e.config.Relay.Namespace, e.device.Name())

	for {
		msg, err := e.device.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrInterrupted) || errors.Is(err, ErrNotRegistered) {
				e.logger.Info("device closed, export stopped", "device", e.device.Name())
				return nil
			}
			return fmt.Errorf("device read failed: %w", err)
		}

		env := Envelope{
			Payload:    msg,
			ProducedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Producer:   e.producer,
			TraceID:    uuid.New().String(),
		}
		if err := e.publishBeforeStop(ctx, stream, &env); err != nil {
			e.logger.Warn("dropping unexported message", "stream", stream, "trace_id", env.TraceID, "bytes", len(msg))
			return nil
		}
		e.exported.Add(1)
	}
}

// publishBeforeStop publishes env, allowing the stop grace period once ctx
// ends so that a message taken off the device is not lost to a plain Stop.
func (e *Exporter) publishBeforeStop(ctx context.Context, stream string, env *Envelope) error {
	grace := time.Duration(e.config.Device.ShutdownTimeoutMs) * time.Millisecond
	pubCtx, cancel := graceContext(ctx, grace)
	defer cancel()
	return e.publish(pubCtx, stream, env)
}

// graceContext returns a context that ends grace after parent does.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			cancel()
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// publish retries XADD until it succeeds or ctx ends.
func (e *Exporter) publish(ctx context.Context, stream string, env *Envelope) error {
	backoff := backoffFromRelay(e.config.Relay)
	fields := env.ToStreamFields()

	for attempt := 1; ; attempt++ {
		err := e.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: e.config.Relay.MaxLen,
			Approx: true,
			ID:     "*",
			Values: fields,
		}).Err()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := ComputeDelay(attempt, backoff)
		e.logger.Warn("xadd failed, retrying",
			"stream", stream,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Importer moves messages from a Redis stream into a device. Writes block
// while the pipe is full, which throttles the XREAD loop.
type Importer struct {
	client *redis.Client
	device *Device
	config Config
	logger *slog.Logger

	// Lifecycle
	cancel  context.CancelFunc
	doneCh  chan struct{}
	running atomic.Bool
	mu      sync.Mutex

	lastID   string
	imported atomic.Int64
	skipped  atomic.Int64
}

// NewImporter creates an Importer writing into device.
func NewImporter(client *redis.Client, device *Device, config Config) *Importer {
	return &Importer{
		client: client,
		device: device,
		config: config.WithDefaults(),
		logger: slog.Default(),
	}
}

// Imported returns how many messages were written into the device.
func (i *Importer) Imported() int64 {
	return i.imported.Load()
}

// Skipped returns how many stream entries could not be parsed.
func (i *Importer) Skipped() int64 {
	return i.skipped.Load()
}

// LastID returns the ID of the last stream entry handled.
func (i *Importer) LastID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastID
}

// Start begins importing entries after startID in a goroutine. startID "$"
// means entries added from now on; "0" means the whole stream.
func (i *Importer) Start(startID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running.Load() {
		return errors.New("mypipe: importer is already running")
	}

	stream := StreamKey(i.config.Relay.Namespace, i.device.Name())
	ctx, cancel := context.WithCancel(context.Background())

	if startID == "$" {
		resolved, err := i.resolveLatest(ctx, stream)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to resolve stream tail: %w", err)
		}
		startID = resolved
	}

	i.lastID = startID
	i.cancel = cancel
	i.doneCh = make(chan struct{})
	i.running.Store(true)

	go func() {
		defer close(i.doneCh)
		if err := i.run(ctx, stream); err != nil {
			i.logger.Error("import loop error", "device", i.device.Name(), "error", err)
		}
	}()

	return nil
}

// Stop interrupts the import loop and waits for it to return. The wait is
// bounded by the relay block timeout.
func (i *Importer) Stop() error {
	i.mu.Lock()
	if !i.running.Load() {
		i.mu.Unlock()
		return nil
	}
	cancel, doneCh := i.cancel, i.doneCh
	i.mu.Unlock()

	cancel()
	<-doneCh
	i.running.Store(false)
	return nil
}

// resolveLatest returns the ID of the newest entry, or "0-0" for an empty
// stream, so the first XREAD does not miss entries added meanwhile.
func (i *Importer) resolveLatest(ctx context.Context, stream string) (string, error) {
	entries, err := i.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	return entries[0].ID, nil
}

func (i *Importer) run(ctx context.Context, stream string) error {
	blockTimeout := time.Duration(i.config.Relay.BlockTimeoutMs) * time.Millisecond
	if blockTimeout == 0 {
		blockTimeout = 5 * time.Second
	}
	backoff := backoffFromRelay(i.config.Relay)
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := i.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, i.LastID()},
			Count:   i.config.Relay.BatchSize,
			Block:   blockTimeout,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				// Timeout, loop again
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			delay := ComputeDelay(failures, backoff)
			i.logger.Warn("xread failed, retrying", "stream", stream, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		for _, xstream := range result {
			for _, xmsg := range xstream.Messages {
				if err := i.deliver(ctx, xmsg); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if errors.Is(err, ErrInterrupted) || errors.Is(err, ErrNotRegistered) {
						i.logger.Info("device closed, import stopped", "device", i.device.Name())
						return nil
					}
					return err
				}
			}
		}
	}
}

// deliver writes one stream entry into the device and advances LastID.
// Entries that do not parse are skipped.
func (i *Importer) deliver(ctx context.Context, xmsg redis.XMessage) error {
	env, err := EnvelopeFromStreamFields(xmsg.ID, xmsg.Values)
	if err != nil {
		i.logger.Warn("skipping stream entry", "message_id", xmsg.ID, "error", err)
		i.skipped.Add(1)
		i.setLastID(xmsg.ID)
		return nil
	}

	if _, err := i.device.Write(ctx, env.Payload); err != nil {
		return fmt.Errorf("device write failed for %s: %w", xmsg.ID, err)
	}

	i.imported.Add(1)
	i.setLastID(xmsg.ID)
	return nil
}

func (i *Importer) setLastID(id string) {
	i.mu.Lock()
	i.lastID = id
	i.mu.Unlock()
}

// StreamDetail holds relay stream metadata.
type StreamDetail struct {
	Stream  string
	Length  int64
	FirstID string
	LastID  string
}

// StreamInfo returns metadata of a device's relay stream.
// Uses: XINFO STREAM {namespace}:{device}
func StreamInfo(ctx context.Context, client *redis.Client, namespace, device string) (*StreamDetail, error) {
	stream := StreamKey(namespace, device)

	info, err := client.XInfoStream(ctx, stream).Result()
	if err != nil {
		return nil, err
	}

	return &StreamDetail{
		Stream:  stream,
		Length:  info.Length,
		FirstID: info.FirstEntry.ID,
		LastID:  info.LastEntry.ID,
	}, nil
}

// generateProducerName creates a unique producer name.
// Format: {prefix}-{hostname}-{pid}-{short_uuid}
func generateProducerName(prefix string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	pid := os.Getpid()
	shortUUID := uuid.New().String()[:8]

	return fmt.Sprintf("%s-%s-%d-%s", prefix, hostname, pid, shortUUID)
}
