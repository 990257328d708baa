package main

import (
	"bufio"
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"classtrack/internal/config"
	"classtrack/internal/queue"
	"classtrack/internal/scanner"
	"classtrack/internal/store"
)

// stdinSource adapts a line-oriented decoder feed to the scanner Source
// interface: one decoded payload per line, as emitted by the usual HID or
// serial QR reader attachments.
type stdinSource struct{}

func (stdinSource) Frames(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case out <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (stdinSource) Close() error { return nil }

// The scanner binary is the device side of the scan pipeline: it drains a
// decoder feed and publishes scan events for the worker to commit.
func main() {
	cfg := config.Load()
	if cfg.ScanCourseID == "" {
		log.Fatal("SCAN_COURSE_ID is required")
	}
	if cfg.QueueBackend == "memory" {
		log.Fatal("the in-memory queue cannot reach the worker; set QUEUE_BACKEND=redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	q := queue.NewRedisQueue(redisClient.Client, cfg.ScanQueueKey)

	loop := scanner.NewLoop(
		func(ctx context.Context) (scanner.Source, error) { return stdinSource{}, nil },
		func(ctx context.Context, payload string) error {
			msg, err := queue.NewScanMessage(queue.ScanEvent{
				CourseID: cfg.ScanCourseID,
				Payload:  payload,
				At:       time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			return q.Publish(ctx, msg)
		},
	)
	if err := loop.Start(ctx); err != nil {
		log.Fatalf("scan loop start failed: %v", err)
	}
	log.Printf("scanner publishing for course %s", cfg.ScanCourseID)

	<-ctx.Done()
	loop.Stop()
	log.Println("scanner stopped")
}
