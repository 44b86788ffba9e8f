package mypipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Device exposes a Queue as a message device: every Write is one message,
// every Read returns exactly one message.
type Device struct {
	config    Config
	registry  *Registry
	queueOpts []QueueOption
	logger    *slog.Logger

	mu         sync.Mutex
	queue      *Queue
	minor      int
	registered bool

	// Lifetime of the current registration; cancelled by Shutdown so that
	// callers blocked inside the device are interrupted.
	ctx      context.Context
	cancel   context.CancelFunc
	inflight *sync.WaitGroup
}

// NewDevice creates an unregistered device. Zero-value config fields take
// their defaults, so a zero Capacity means DefaultCapacity. A nil registry
// gives the device a table of its own. Queue options are applied every time
// Init builds the queue.
func NewDevice(config Config, registry *Registry, opts ...QueueOption) *Device {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Device{
		config:    config.WithDefaults(),
		registry:  registry,
		queueOpts: opts,
		logger:    slog.Default(),
	}
}

// SetLogger replaces the device's logger.
func (d *Device) SetLogger(logger *slog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = logger
}

// Init builds the queue with the configured capacity and registers the
// device. The queue starts empty.
func (d *Device) Init() error {
	if err := d.config.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.registered {
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.config.Device.Name)
	}

	queue, err := NewQueue(d.config.Capacity, d.queueOpts...)
	if err != nil {
		return err
	}

	minor, err := d.registry.Register(d.config.Device.Name, d)
	if err != nil {
		return err
	}

	d.queue = queue
	d.minor = minor
	d.ctx, d.cancel = context.WithCancel(context.Background())
	// A fresh group per registration: a timed-out Shutdown may still be
	// waiting on the previous one.
	d.inflight = &sync.WaitGroup{}
	d.registered = true

	d.logger.Info("device registered",
		"device", d.config.Device.Name,
		"minor", minor,
		"capacity", d.config.Capacity,
	)
	return nil
}

// Write enqueues buf as one message, blocking while the queue is full.
// It returns len(buf) on success.
func (d *Device) Write(ctx context.Context, buf []byte) (int, error) {
	queue, ctx, done, err := d.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer done()

	n, err := queue.Write(ctx, buf)
	if err != nil {
		d.logFailure("write", err)
		return 0, err
	}
	return n, nil
}

// Read dequeues one message into buf, blocking while the queue is empty.
// It returns the length of the message. When the message does not fit,
// the first len(buf) bytes are copied and a *TruncatedError is returned
// along with the full length; the rest of the message is discarded.
func (d *Device) Read(ctx context.Context, buf []byte) (int, error) {
	queue, ctx, done, err := d.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer done()

	msg, err := queue.Read(ctx)
	if err != nil {
		d.logFailure("read", err)
		return 0, err
	}

	if copied := copy(buf, msg); copied < len(msg) {
		return len(msg), &TruncatedError{MessageLen: len(msg), BufferLen: len(buf)}
	}
	return len(msg), nil
}

// ReadMessage dequeues one message without a caller-supplied buffer.
func (d *Device) ReadMessage(ctx context.Context) ([]byte, error) {
	queue, ctx, done, err := d.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	msg, err := queue.Read(ctx)
	if err != nil {
		d.logFailure("read", err)
		return nil, err
	}
	return msg, nil
}

// Shutdown stops accepting calls, interrupts callers blocked in the device,
// waits for them to return, releases every queued message and deregisters
// the device. Calling Shutdown on an unregistered device is a no-op.
func (d *Device) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.registered {
		d.mu.Unlock()
		return nil
	}
	d.registered = false
	queue := d.queue
	name := d.config.Device.Name
	logger := d.logger
	inflight := d.inflight
	cancelLifetime := d.cancel
	d.mu.Unlock()

	cancelLifetime()

	timeout := time.Duration(d.config.Device.ShutdownTimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	idle := make(chan struct{})
	go func() {
		inflight.Wait()
		close(idle)
	}()

	select {
	case <-idle:
	case <-waitCtx.Done():
		logger.Warn("shutdown timeout exceeded, draining with callers in flight", "device", name)
	}

	drained, drainErr := queue.Drain()
	if drainErr != nil {
		logger.Error("drain failed", "device", name, "error", drainErr)
	}
	deregErr := d.registry.Deregister(name)

	logger.Info("device deregistered", "device", name, "drained", drained)
	return errors.Join(drainErr, deregErr)
}

// Name returns the configured device name.
func (d *Device) Name() string {
	return d.config.Device.Name
}

// Minor returns the minor number assigned at registration.
func (d *Device) Minor() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minor
}

// Registered reports whether the device is accepting calls.
func (d *Device) Registered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registered
}

// Queue returns the queue backing the current registration, or nil before
// the first Init.
func (d *Device) Queue() *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue
}

// enter admits one call. The returned context is cancelled when either ctx
// or the registration ends; done must be called when the call returns.
func (d *Device) enter(ctx context.Context) (*Queue, context.Context, func(), error) {
	d.mu.Lock()
	if !d.registered {
		d.mu.Unlock()
		return nil, nil, nil, ErrNotRegistered
	}
	inflight := d.inflight
	inflight.Add(1)
	queue := d.queue
	lifetime := d.ctx
	d.mu.Unlock()

	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(lifetime, cancel)

	return queue, callCtx, func() {
		stop()
		cancel()
		inflight.Done()
	}, nil
}

func (d *Device) logFailure(op string, err error) {
	d.mu.Lock()
	logger := d.logger
	d.mu.Unlock()

	switch {
	case errors.Is(err, ErrInvariantViolation):
		logger.Error("queue invariant violated", "device", d.config.Device.Name, "op", op, "error", err)
	case errors.Is(err, ErrInterrupted):
		logger.Debug("call interrupted", "device", d.config.Device.Name, "op", op)
	default:
		logger.Warn("call failed", "device", d.config.Device.Name, "op", op, "error", err)
	}
}
