package scheduler

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dadap/pigdo/internal/template"
)

// workerSlot is one persistent worker's visible state, read by the
// SIGUSR1 progress handler without disturbing the worker loop.
//
// Grounded on worker.c's workerState[i].args: a fixed array allocated
// once at pfetch start, each slot tracking the chunk, URI, and bytes
// fetched so far for printProgress to report on signal.
type workerSlot struct {
	mu           sync.Mutex
	currentFile  *template.FileEntry
	currentURI   string
	bytesFetched int64
}

func (s *workerSlot) setCurrent(entry *template.FileEntry, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentFile = entry
	s.currentURI = uri
	s.bytesFetched = 0
}

func (s *workerSlot) setBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesFetched = n
}

func (s *workerSlot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentFile = nil
	s.currentURI = ""
	s.bytesFetched = 0
}

// snapshot is a lock-free copy of a slot's state, safe to log.
type snapshot struct {
	uri          string
	bytesFetched int64
	size         uint64
	active       bool
}

func (s *workerSlot) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil || s.currentFile.Status == template.Complete {
		return snapshot{}
	}
	return snapshot{
		uri:          s.currentURI,
		bytesFetched: s.bytesFetched,
		size:         s.currentFile.Size,
		active:       true,
	}
}

// runProgressReporter logs every worker slot's current fetch progress
// each time the process receives SIGUSR1, until ctx is cancelled.
//
// Grounded on worker.c's printProgress signal handler, adapted from a
// raw signal(2) handler (unsafe to do real work in) to Go's
// os/signal channel delivery, which runs the handler on an ordinary
// goroutine and so may log through slog directly.
func runProgressReporter(ctx context.Context, logger *slog.Logger, slots []*workerSlot) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	stop := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-sigCh:
				for i, slot := range slots {
					snap := slot.snapshot()
					if !snap.active {
						continue
					}
					logger.Info("worker progress",
						slog.Int("worker", i),
						slog.String("uri", snap.uri),
						slog.Int64("bytes_fetched", snap.bytesFetched),
						slog.Uint64("size", snap.size),
					)
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(stop)
		<-done
	}
}
