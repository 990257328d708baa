// Package scanner drives the QR decode loop: it owns the capture resource,
// forwards decoded payloads for ingestion, and manages the scan-success
// banner lifetime.
package scanner

import (
	"context"
	"errors"
	"log"
	"sync"
)

// Source is a live decoder feed: zero or more decoded payloads per polling
// tick, arbitrary gaps, closed channel when the feed ends. Implementations
// wrap a camera decoder or a network device stream and must be restartable.
type Source interface {
	Frames(ctx context.Context) (<-chan string, error)
	Close() error
}

// Ingest handles one decoded payload. Errors are logged and the loop keeps
// running; the next frame of the same code is a legitimate retry.
type Ingest func(ctx context.Context, payload string) error

// Loop runs one Source at a time. Start and Stop may be called repeatedly;
// the capture resource is released on every exit path.
type Loop struct {
	open   func(ctx context.Context) (Source, error)
	ingest Ingest

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop wires a source acquirer to an ingest function.
func NewLoop(open func(ctx context.Context) (Source, error), ingest Ingest) *Loop {
	return &Loop{open: open, ingest: ingest}
}

// ErrAlreadyRunning is returned by Start while a previous run is live.
var ErrAlreadyRunning = errors.New("scan loop already running")

// Start acquires the capture source and begins draining frames in a
// goroutine. A capture failure is fatal to the loop only: the caller's
// session state is untouched and a later Start is a clean retry.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	src, err := l.open(runCtx)
	if err != nil {
		cancel()
		return err
	}
	frames, err := src.Frames(runCtx)
	if err != nil {
		_ = src.Close()
		cancel()
		return err
	}

	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		defer func() {
			if err := src.Close(); err != nil {
				log.Printf("scan source close: %v", err)
			}
		}()
		for {
			select {
			case payload, ok := <-frames:
				if !ok {
					return
				}
				if payload == "" {
					continue
				}
				if err := l.ingest(runCtx, payload); err != nil {
					log.Printf("scan ingest failed, will retry on next frame: %v", err)
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop cancels the running loop and waits for the source to be released.
// Safe to call when not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a loop goroutine is live.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}
