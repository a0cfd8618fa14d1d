package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/dadap/pigdo/internal/hashutil"
	"github.com/dadap/pigdo/internal/imagelayout"
	"github.com/dadap/pigdo/internal/mirror"
	"github.com/dadap/pigdo/internal/template"

	pigdoerrors "github.com/dadap/pigdo/internal/errors"
)

// workerLoop is one persistent worker slot: pull the next eligible
// entry, fetch and verify it, repeat until no entry is eligible and
// none remain in flight.
//
// Grounded on pfetch's per-slot dispatch (assign chunk, spawn
// fetch_worker, rejoin on completion, repeat), restructured as a
// single goroutine that loops instead of being re-armed by a central
// round-robin scan.
func (s *Scheduler) workerLoop(ctx context.Context, slotIdx int) {
	slot := s.slots[slotIdx]

	for {
		if ctx.Err() != nil {
			return
		}

		entry, idx := s.table.selectChunk()
		if entry == nil {
			// selectChunk itself refuses to hand out new work once any
			// entry has reached FatalError, but it cannot distinguish
			// that case from "nothing eligible right now" in its
			// return value, so check separately: a fatal error aborts
			// the whole reconstruction at the next poll, it does not
			// wait for entries other workers still have in flight to
			// reach a terminal state first.
			if s.table.hasFatalError() || s.table.allTerminal() {
				return
			}
			time.Sleep(s.pollInterval)
			continue
		}

		s.processEntry(ctx, slot, entry, idx)
	}
}

// processEntry fetches and verifies one file entry, transitioning it
// to Complete, Error (re-eligible), or FatalError (retry budget
// exhausted or unrecoverable resolver failure).
func (s *Scheduler) processEntry(ctx context.Context, slot *workerSlot, entry *template.FileEntry, idx int) {
	resolved := s.resolved[idx]
	if resolved == nil {
		s.table.setStatus(entry, template.FatalError)
		return
	}

	uri, err := mirror.SelectSource(resolved.server, resolved.manifestEntry)
	if err != nil {
		s.table.setStatus(entry, template.FatalError)
		return
	}

	if _, blacklisted := s.blacklist.Get(uri); blacklisted {
		// Force reassignment without spending a fetch on a mirror
		// already known bad this run; a later pick may land on a
		// different remote mirror or the local copy. Still counts
		// against the retry budget so a run with only blacklisted
		// mirrors left terminates instead of spinning on random
		// re-selection.
		attempts := s.table.incrementAttempts(entry)
		if attempts >= s.maxAttempts {
			s.table.setStatus(entry, template.FatalError)
			return
		}
		s.table.setStatus(entry, template.Error)
		return
	}

	slot.setCurrent(entry, uri)
	defer slot.clear()

	s.table.setStatus(entry, template.InProgress)

	mapped, dataStart, err := s.image.MapRange(entry.Offset, entry.Size)
	if err != nil {
		s.table.setStatus(entry, template.FatalError)
		return
	}
	dst := mapped[dataStart : dataStart+int(entry.Size)]

	written, fetchErr := s.fetchWithRetry(ctx, uri, dst, slot)

	ok := fetchErr == nil && written == int64(entry.Size) && hashutil.MD5OfBytes(dst).Equal(entry.MD5)

	if ok {
		if err := imagelayout.SyncRange(mapped, true); err != nil {
			s.logger.Warn("sync range failed", slog.String("uri", uri), slog.Any("err", err))
		}
	}
	if err := imagelayout.Unmap(mapped); err != nil {
		s.logger.Warn("unmap range failed", slog.String("uri", uri), slog.Any("err", err))
	}

	if ok {
		s.table.setStatus(entry, template.Complete)
		return
	}

	s.blacklist.Add(uri, struct{}{})
	attempts := s.table.incrementAttempts(entry)

	if attempts >= s.maxAttempts {
		s.logger.Error("entry exceeded retry budget",
			slog.String("md5", entry.MD5.String()), slog.Int("attempts", attempts))
		s.table.setStatus(entry, template.FatalError)
		return
	}

	s.logger.Warn("fetch or verify failed, will retry",
		slog.String("uri", uri), slog.Int("attempts", attempts), slog.Any("err", fetchErr))
	s.table.setStatus(entry, template.Error)
}

// fetchWithRetry wraps a single Fetcher.Fetch call with a short
// bounded retry for transient same-mirror hiccups (a dropped
// connection, a momentary I/O error), distinct from the scheduler's
// outer attempts-counter-plus-blacklist policy, which instead
// reassigns the entry to a different mirror entirely.
func (s *Scheduler) fetchWithRetry(ctx context.Context, uri string, dst []byte, slot *workerSlot) (int64, error) {
	var written int64

	err := retry.Do(
		func() error {
			n, err := s.fetcher.Fetch(ctx, uri, dst, slot.setBytes)
			written = n
			return err
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(50*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			return pigdoerrors.IsRetryable(err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return written, fmt.Errorf("fetch %s: %w", uri, err)
	}
	return written, nil
}
