package mypipe_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/mypipe-go/pkg/mypipe"
)

func deviceConfig(name string, capacity int) mypipe.Config {
	cfg := mypipe.DefaultConfig()
	cfg.Device.Name = name
	cfg.Device.ShutdownTimeoutMs = 2000
	cfg.Capacity = capacity
	return cfg
}

// newDevice registers a device and shuts it down when the test ends.
func newDevice(t *testing.T, reg *mypipe.Registry, name string, capacity int, opts ...mypipe.QueueOption) *mypipe.Device {
	t.Helper()
	dev := mypipe.NewDevice(deviceConfig(name, capacity), reg, opts...)
	require.NoError(t, dev.Init())
	t.Cleanup(func() {
		_ = dev.Shutdown(context.Background())
	})
	return dev
}

func TestUnit_Device_InitAssignsMinors(t *testing.T) {
	reg := mypipe.NewRegistry()

	first := newDevice(t, reg, "pipe0", 2)
	second := newDevice(t, reg, "pipe1", 2)

	assert.Equal(t, 0, first.Minor())
	assert.Equal(t, 1, second.Minor())
	assert.True(t, first.Registered())
	assert.Equal(t, []string{"pipe0", "pipe1"}, reg.Names())

	got, ok := reg.Lookup("pipe1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestUnit_Device_InitRejectsDuplicateName(t *testing.T) {
	reg := mypipe.NewRegistry()
	newDevice(t, reg, "pipe", 2)

	dup := mypipe.NewDevice(deviceConfig("pipe", 2), reg)
	err := dup.Init()

	assert.ErrorIs(t, err, mypipe.ErrDeviceExists)
	assert.False(t, dup.Registered())
}

func TestUnit_Device_InitTwice(t *testing.T) {
	dev := newDevice(t, nil, "pipe", 2)

	assert.ErrorIs(t, dev.Init(), mypipe.ErrDeviceExists)
}

func TestUnit_Device_InitRejectsInvalidCapacity(t *testing.T) {
	reg := mypipe.NewRegistry()
	dev := mypipe.NewDevice(deviceConfig("pipe", -1), reg)

	assert.ErrorIs(t, dev.Init(), mypipe.ErrInvalidCapacity)
	assert.Empty(t, reg.Names())
}

func TestUnit_Device_InitWithDeviceSettingsOnly(t *testing.T) {
	dev := mypipe.NewDevice(mypipe.Config{Capacity: 2, Device: mypipe.DeviceConfig{Name: "p"}}, nil)

	require.NoError(t, dev.Init())
	defer dev.Shutdown(context.Background())

	assert.Equal(t, "p", dev.Name())
	assert.Equal(t, 2, dev.Queue().Cap())
}

func TestUnit_Device_ZeroCapacityUsesDefault(t *testing.T) {
	dev := mypipe.NewDevice(mypipe.Config{Device: mypipe.DeviceConfig{Name: "p"}}, nil)

	require.NoError(t, dev.Init())
	defer dev.Shutdown(context.Background())

	assert.Equal(t, mypipe.DefaultCapacity, dev.Queue().Cap())
}

func TestUnit_Device_ZeroConfigUsesDefaults(t *testing.T) {
	dev := mypipe.NewDevice(mypipe.Config{}, nil)

	require.NoError(t, dev.Init())
	defer dev.Shutdown(context.Background())

	assert.Equal(t, "mypipe", dev.Name())
	assert.Equal(t, mypipe.DefaultCapacity, dev.Queue().Cap())
}

func TestUnit_Device_CallsBeforeInit(t *testing.T) {
	dev := mypipe.NewDevice(deviceConfig("pipe", 2), nil)
	ctx := context.Background()

	_, err := dev.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, mypipe.ErrNotRegistered)

	_, err = dev.Read(ctx, make([]byte, 8))
	assert.ErrorIs(t, err, mypipe.ErrNotRegistered)

	_, err = dev.ReadMessage(ctx)
	assert.ErrorIs(t, err, mypipe.ErrNotRegistered)

	assert.Nil(t, dev.Queue())
	assert.NoError(t, dev.Shutdown(ctx), "shutdown of an unregistered device is a no-op")
}

func TestUnit_Device_WriteThenRead(t *testing.T) {
	dev := newDevice(t, nil, "pipe", 2)
	ctx := context.Background()

	n, err := dev.Write(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = dev.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestUnit_Device_ReadIntoShortBufferTruncates(t *testing.T) {
	dev := newDevice(t, nil, "pipe", 2)
	ctx := context.Background()

	_, err := dev.Write(ctx, []byte("hello"))
	require.NoError(t, err)
	_, err = dev.Write(ctx, []byte("next"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := dev.Read(ctx, buf)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hel", string(buf))

	var truncErr *mypipe.TruncatedError
	require.True(t, errors.As(err, &truncErr))
	assert.Equal(t, 5, truncErr.MessageLen)
	assert.Equal(t, 3, truncErr.BufferLen)
	assert.ErrorIs(t, err, mypipe.ErrTruncated)
	assert.Less(t, mypipe.Status(err), 0)

	// The rest of the truncated message is gone; the next read sees the next message.
	msg, err := dev.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", string(msg))
}

func TestUnit_Device_ReadBlocksUntilWrite(t *testing.T) {
	dev := newDevice(t, nil, "pipe", 1)

	done := make(chan result, 1)
	go func() {
		msg, err := dev.ReadMessage(context.Background())
		done <- result{msg: string(msg), err: err}
	}()

	assertBlocked(t, done, 50*time.Millisecond)

	_, err := dev.Write(context.Background(), []byte("wake"))
	require.NoError(t, err)

	res := receive(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, "wake", res.msg)
}

func TestUnit_Device_CallerCancellation(t *testing.T) {
	dev := newDevice(t, nil, "pipe", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := dev.Read(ctx, make([]byte, 4))
	assert.ErrorIs(t, err, mypipe.ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The device keeps working after an interrupted call.
	_, err = dev.Write(context.Background(), []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, 1, dev.Queue().Len())
}

func TestUnit_Device_ShutdownInterruptsBlockedCallers(t *testing.T) {
	reg := mypipe.NewRegistry()
	dev := mypipe.NewDevice(deviceConfig("pipe", 1), reg)
	require.NoError(t, dev.Init())

	reader := make(chan result, 1)
	go func() {
		msg, err := dev.ReadMessage(context.Background())
		reader <- result{msg: string(msg), err: err}
	}()
	assertBlocked(t, reader, 50*time.Millisecond)

	require.NoError(t, dev.Shutdown(context.Background()))

	res := receive(t, reader)
	assert.ErrorIs(t, res.err, mypipe.ErrInterrupted)
	assert.False(t, dev.Registered())
	assert.Empty(t, reg.Names())

	_, err := dev.Write(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, mypipe.ErrNotRegistered)
}

func TestUnit_Device_ShutdownDrainsQueuedMessages(t *testing.T) {
	dev := mypipe.NewDevice(deviceConfig("pipe", 4), nil)
	require.NoError(t, dev.Init())
	ctx := context.Background()

	for _, m := range []string{"a", "b", "c"} {
		_, err := dev.Write(ctx, []byte(m))
		require.NoError(t, err)
	}
	queue := dev.Queue()

	require.NoError(t, dev.Shutdown(ctx))

	assert.Equal(t, 0, queue.Len())
	assert.Equal(t, int64(3), queue.Stats().Drained)
	assert.NoError(t, dev.Shutdown(ctx), "second shutdown is a no-op")
}

func TestUnit_Device_ReinitAfterShutdown(t *testing.T) {
	reg := mypipe.NewRegistry()
	dev := mypipe.NewDevice(deviceConfig("pipe", 2), reg)
	ctx := context.Background()

	require.NoError(t, dev.Init())
	_, err := dev.Write(ctx, []byte("old"))
	require.NoError(t, err)
	require.NoError(t, dev.Shutdown(ctx))

	require.NoError(t, dev.Init())
	defer dev.Shutdown(ctx)

	assert.Equal(t, 0, dev.Queue().Len(), "a new registration starts empty")
	assert.Equal(t, 0, dev.Minor())

	_, err = dev.Write(ctx, []byte("new"))
	require.NoError(t, err)
	msg, err := dev.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", string(msg))
}

func TestUnit_Device_AllocationFailure(t *testing.T) {
	failing := func(n int) ([]byte, error) {
		return nil, errors.New("no pages")
	}
	dev := newDevice(t, nil, "pipe", 1, mypipe.WithAllocator(failing))

	_, err := dev.Write(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, mypipe.ErrOutOfMemory)
	assert.Equal(t, 0, dev.Queue().Len())
}

func TestUnit_Device_LogsLifecycle(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dev := mypipe.NewDevice(deviceConfig("logged", 3), nil)
	dev.SetLogger(logger)

	require.NoError(t, dev.Init())
	require.NoError(t, dev.Shutdown(context.Background()))

	logs := out.String()
	assert.Contains(t, logs, "device registered")
	assert.Contains(t, logs, "device=logged")
	assert.Contains(t, logs, "capacity=3")
	assert.Contains(t, logs, "device deregistered")
}

func TestUnit_Device_ReinitAfterShutdownTimeout(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	stalling := func(n int) ([]byte, error) {
		if calls.Add(1) == 1 {
			<-gate
		}
		return make([]byte, n), nil
	}

	cfg := deviceConfig("pipe", 2)
	cfg.Device.ShutdownTimeoutMs = 100
	dev := mypipe.NewDevice(cfg, nil, mypipe.WithAllocator(stalling))
	require.NoError(t, dev.Init())

	// This write is stuck in the allocator, out of reach of cancellation.
	stuck := make(chan error, 1)
	go func() {
		_, err := dev.Write(context.Background(), []byte("stuck"))
		stuck <- err
	}()
	waitFor(t, func() bool { return calls.Load() == 1 }, 2*time.Second)

	require.NoError(t, dev.Shutdown(context.Background()))
	assert.False(t, dev.Registered())

	// The timed-out shutdown is still waiting on the stuck call.
	require.NoError(t, dev.Init())
	defer dev.Shutdown(context.Background())

	ctx := context.Background()
	_, err := dev.Write(ctx, []byte("fresh"))
	require.NoError(t, err)
	msg, err := dev.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(msg))

	close(gate)
	select {
	case err := <-stuck:
		// It belongs to the old registration, whose lifetime has ended.
		if err != nil {
			assert.ErrorIs(t, err, mypipe.ErrInterrupted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stuck write did not finish")
	}
}
