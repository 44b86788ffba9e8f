// Package mypipe provides a bounded, blocking, FIFO message pipe shared by
// any number of concurrent writers and readers.
//
// The pipe is a fixed-capacity queue of byte messages. Write blocks while
// every slot is taken, Read blocks while no message is queued, and both
// waits end early when the caller's context is cancelled. A cancelled call
// leaves the queue exactly as it found it and returns an error matching
// ErrInterrupted.
//
// # Quick Start
//
// Use a Queue directly:
//
//	q, err := mypipe.NewQueue(10)
//	n, err := q.Write(ctx, []byte("hello"))
//	msg, err := q.Read(ctx)
//
// Or register a Device, which adds a device table, buffer-oriented reads and
// an orderly shutdown that drains whatever is still queued:
//
//	reg := mypipe.NewRegistry()
//	dev := mypipe.NewDevice(mypipe.DefaultConfig(), reg)
//	if err := dev.Init(); err != nil { ... }
//	defer dev.Shutdown(context.Background())
//
//	buf := make([]byte, 4096)
//	n, err := dev.Read(ctx, buf) // n is the message length
//
// # Errors
//
// ErrInterrupted, ErrOutOfMemory and ErrInvariantViolation are the outcomes
// of the core operations. Status translates any error into the negative
// errno a character device would return.
//
// # Relay
//
// Exporter and Importer connect a device to a Redis stream named
// "{namespace}:{device}", so messages can cross process boundaries. Stream
// entries use envelope version "1" with fields v, payload, produced_at,
// producer (optional) and trace_id (optional).
package mypipe
