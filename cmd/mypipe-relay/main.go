package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/your-org/mypipe-go/pkg/mypipe"
)

func main() {
	// Parse flags
	redisAddr := flag.String("redis", getEnv("REDIS_HOST", "localhost")+":"+getEnv("REDIS_PORT", "6379"), "Redis address (host:port)")
	password := flag.String("password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	useTLS := flag.Bool("tls", getEnvBool("REDIS_USE_TLS", false), "Enable TLS")
	namespace := flag.String("ns", "", "Namespace (required)")
	device := flag.String("device", getEnv("MYPIPE_DEVICE", "mypipe"), "Device name")
	capacity := flag.Int("capacity", getEnvInt("MYPIPE_CAPACITY", mypipe.DefaultCapacity), "Queue capacity (messages)")
	mode := flag.String("mode", "", "export, import or info (required)")
	from := flag.String("from", "$", "Import start ID: $ for new entries, 0 for the whole stream")

	flag.Parse()

	// Validate required flags
	if *namespace == "" {
		fmt.Fprintln(os.Stderr, "Error: --ns (namespace) is required")
		flag.Usage()
		os.Exit(1)
	}

	if *mode != "export" && *mode != "import" && *mode != "info" {
		fmt.Fprintln(os.Stderr, "Error: --mode must be export, import or info")
		flag.Usage()
		os.Exit(1)
	}

	cfg := mypipe.DefaultConfig()
	cfg.Capacity = *capacity
	cfg.Device.Name = *device
	cfg.Relay.Namespace = *namespace
	cfg.Redis.Address = *redisAddr
	cfg.Redis.Password = *password
	cfg.Redis.UseTLS = *useTLS

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Create Redis client
	client := redis.NewClient(cfg.Redis.RedisOptions())
	defer client.Close()

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to Redis at %s: %v\n", *redisAddr, err)
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch *mode {
	case "info":
		err = showInfo(ctx, client, cfg)
	case "export":
		err = runExport(ctx, client, cfg)
	case "import":
		err = runImport(ctx, client, cfg, *from)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func showInfo(ctx context.Context, client *redis.Client, cfg mypipe.Config) error {
	info, err := mypipe.StreamInfo(ctx, client, cfg.Relay.Namespace, cfg.Device.Name)
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	fmt.Printf("Stream: %s\n", info.Stream)
	fmt.Printf("  Length:   %d\n", info.Length)
	fmt.Printf("  First ID: %s\n", info.FirstID)
	fmt.Printf("  Last ID:  %s\n", info.LastID)
	return nil
}

// runExport writes stdin lines into the device; the exporter moves them to
// the stream.
func runExport(ctx context.Context, client *redis.Client, cfg mypipe.Config) error {
	dev := mypipe.NewDevice(cfg, nil)
	if err := dev.Init(); err != nil {
		return err
	}

	exporter := mypipe.NewExporter(client, dev, cfg)
	if err := exporter.Start(); err != nil {
		dev.Shutdown(context.Background())
		return err
	}

	fmt.Printf("# Exporter ready (producer=%s). Enter messages (one per line). Press Ctrl+D to finish.\n", exporter.Producer())
	fmt.Printf("# Exporting to: %s\n\n", mypipe.StreamKey(cfg.Relay.Namespace, cfg.Device.Name))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
		}
	}()

	written := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if line == "" {
				continue
			}
			if _, err := dev.Write(ctx, []byte(line)); err != nil {
				if errors.Is(err, mypipe.ErrInterrupted) {
					break loop
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				continue
			}
			written++
		}
	}

	// Messages still queued in the device are not in flight yet; give the
	// exporter time to pick them up before stopping it
	deadline := time.Now().Add(5 * time.Second)
	for exporter.Exported() < int64(written) && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}

	fmt.Printf("[%s] Shutting down gracefully...\n", time.Now().Format(time.RFC3339))
	exporter.Stop()
	if err := dev.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: shutdown error: %v\n", err)
	}

	fmt.Printf("[%s] Shutdown complete (exported %d of %d messages)\n",
		time.Now().Format(time.RFC3339), exporter.Exported(), written)
	return nil
}

// runImport feeds stream entries into the device and prints every message
// read back from it.
func runImport(ctx context.Context, client *redis.Client, cfg mypipe.Config, from string) error {
	dev := mypipe.NewDevice(cfg, nil)
	if err := dev.Init(); err != nil {
		return err
	}

	importer := mypipe.NewImporter(client, dev, cfg)
	if err := importer.Start(from); err != nil {
		dev.Shutdown(context.Background())
		return err
	}

	fmt.Printf("[%s] Importing from '%s' (from %s)\n",
		time.Now().Format(time.RFC3339), mypipe.StreamKey(cfg.Relay.Namespace, cfg.Device.Name), from)

	count := 0
	for {
		msg, err := dev.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, mypipe.ErrInterrupted) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			break
		}
		count++
		fmt.Printf("[%s] <- %s\n", time.Now().Format(time.RFC3339), msg)
	}

	fmt.Printf("[%s] Shutting down gracefully...\n", time.Now().Format(time.RFC3339))
	importer.Stop()
	if err := dev.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: shutdown error: %v\n", err)
	}

	fmt.Printf("[%s] Shutdown complete (printed %d messages, last ID %s, skipped %d)\n",
		time.Now().Format(time.RFC3339), count, importer.LastID(), importer.Skipped())
	return nil
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
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvBool returns the boolean value of an environment variable or a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
