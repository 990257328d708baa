package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classtrack/internal/attendance"
	"classtrack/internal/config"
	"classtrack/internal/metrics"
	"classtrack/internal/queue"
	"classtrack/internal/store"
)

// The worker is the single consumer of the scan-event queue: payloads
// pushed by scanner devices commit one at a time, in arrival order, so the
// ingestion dedupe always runs against the latest committed state.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var (
		rosterStore   attendance.RosterStore
		sessionStore  attendance.SessionStore
		recordStore   attendance.RecordStore
		settingsStore attendance.SettingsStore
	)
	if cfg.StoreBackend == "memory" {
		mem := attendance.NewMemoryStore()
		rosterStore, sessionStore, recordStore, settingsStore = mem, mem, mem, mem
		log.Println("using in-memory store (STORE_BACKEND=memory); scans will not be shared with the API process")
	} else {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		repo := attendance.NewRepository(db.Client)
		rosterStore, sessionStore, recordStore, settingsStore = repo, repo, repo, repo
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.ScanQueueKey)
	}

	svc := attendance.NewService(rosterStore, sessionStore, recordStore, settingsStore)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("scan worker started, waiting for events...")
	for msg := range messages {
		if msg.Type != "scan" {
			continue
		}
		var evt queue.ScanEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("malformed scan event dropped: %v", err)
			continue
		}

		res, err := svc.IngestScan(ctx, evt.CourseID, evt.Payload, evt.At)
		metrics.ObserveScan(res, err)
		if err != nil {
			// The scan did not commit; the device's next frame of
			// the same code is a clean retry.
			log.Printf("scan for course %s failed: %v", evt.CourseID, err)
			continue
		}
		switch res.Outcome {
		case attendance.ScanAccepted:
			log.Printf("scan accepted: course=%s student=%s status=%s", evt.CourseID, res.Student.ID, res.Entry.Status)
		case attendance.ScanDuplicate:
			log.Printf("scan ignored (already scanned): course=%s student=%s", evt.CourseID, res.Student.ID)
		default:
			log.Printf("scan ignored (unrecognized payload): course=%s", evt.CourseID)
		}
	}

	log.Println("scan worker stopped")
}
