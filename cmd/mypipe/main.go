package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/your-org/mypipe-go/pkg/mypipe"
)

func main() {
	// Parse flags
	capacity := flag.Int("capacity", getEnvInt("MYPIPE_CAPACITY", mypipe.DefaultCapacity), "Queue capacity (messages)")
	deviceName := flag.String("device", getEnv("MYPIPE_DEVICE", "mypipe"), "Device name")
	producers := flag.Int("producers", 4, "Number of concurrent writers")
	consumers := flag.Int("consumers", 4, "Number of concurrent readers")
	messages := flag.Int("messages", 1000, "Messages per writer")
	size := flag.Int("size", 64, "Message size in bytes (minimum 8)")
	timeout := flag.Duration("timeout", 30*time.Second, "Abort the run after this long")
	verbose := flag.Bool("v", false, "Debug logging")

	flag.Parse()

	if *producers < 1 || *consumers < 1 || *messages < 1 {
		fmt.Fprintln(os.Stderr, "Error: --producers, --consumers and --messages must be >= 1")
		flag.Usage()
		os.Exit(1)
	}
	if *size < 8 {
		*size = 8
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := mypipe.DefaultConfig()
	cfg.Capacity = *capacity
	cfg.Device.Name = *deviceName

	dev := mypipe.NewDevice(cfg, nil)
	if err := dev.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup signal handling; cancelling ctx interrupts blocked calls
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithTimeout(ctx, *timeout)
	defer cancelRun()

	total := *producers * *messages
	seen := make([]atomic.Int32, total)
	var delivered, duplicates, interrupted atomic.Int64

	start := time.Now()
	fmt.Printf("[%s] Device '%s' (minor %d) capacity=%d producers=%d consumers=%d messages=%d\n",
		start.Format(time.RFC3339), dev.Name(), dev.Minor(), *capacity, *producers, *consumers, total)

	var writers sync.WaitGroup
	for p := 0; p < *producers; p++ {
		writers.Add(1)
		go func(p int) {
			defer writers.Done()
			buf := make([]byte, *size)
			for i := 0; i < *messages; i++ {
				binary.BigEndian.PutUint64(buf, uint64(p*(*messages) + i))
				if _, err := dev.Write(ctx, buf); err != nil {
					if errors.Is(err, mypipe.ErrInterrupted) {
						interrupted.Add(1)
						return
					}
					fmt.Fprintf(os.Stderr, "Error: writer %d: %v (status %d)\n", p, err, mypipe.Status(err))
					return
				}
			}
		}(p)
	}

	var readers sync.WaitGroup
	for c := 0; c < *consumers; c++ {
		readers.Add(1)
		go func(c int) {
			defer readers.Done()
			buf := make([]byte, *size)
			for delivered.Load() < int64(total) {
				n, err := dev.Read(ctx, buf)
				if err != nil {
					if errors.Is(err, mypipe.ErrInterrupted) {
						interrupted.Add(1)
						return
					}
					fmt.Fprintf(os.Stderr, "Error: reader %d: %v (status %d)\n", c, err, mypipe.Status(err))
					return
				}
				seq := binary.BigEndian.Uint64(buf[:n])
				if seq >= uint64(total) || seen[seq].Add(1) > 1 {
					duplicates.Add(1)
				}
				if delivered.Add(1) == int64(total) {
					// Last message: wake readers still waiting on an empty pipe
					cancelRun()
				}
			}
		}(c)
	}

	writers.Wait()
	readers.Wait()
	elapsed := time.Since(start)

	// Graceful shutdown
	fmt.Printf("[%s] Shutting down device...\n", time.Now().Format(time.RFC3339))
	stats := dev.Queue().Stats()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := dev.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: shutdown error: %v\n", err)
	}
	drained := dev.Queue().Stats().Drained

	missing := 0
	for i := range seen {
		if seen[i].Load() == 0 {
			missing++
		}
	}

	fmt.Printf("Delivered:    %d/%d in %v\n", delivered.Load(), total, elapsed.Round(time.Millisecond))
	fmt.Printf("Writes:       %d (%d bytes)\n", stats.Writes, stats.BytesWritten)
	fmt.Printf("Reads:        %d (%d bytes)\n", stats.Reads, stats.BytesRead)
	fmt.Printf("Interrupted:  %d\n", interrupted.Load())
	fmt.Printf("Drained:      %d\n", drained)
	fmt.Printf("Missing:      %d\n", missing)
	fmt.Printf("Duplicates:   %d\n", duplicates.Load())

	if missing > 0 || duplicates.Load() > 0 {
		os.Exit(1)
	}
}

// getEnv returns the value of an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}
