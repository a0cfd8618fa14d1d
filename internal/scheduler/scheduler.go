// Package scheduler drives the worker pool that turns a decoded
// template's file entries into fetched, verified bytes in the output
// image: setup (local-copy detection, resume verification), a bounded
// pool of persistent workers pulling eligible entries until none
// remain, and a final whole-image MD5 check.
//
// Grounded on worker.c's pfetch/fetch_worker, restructured from its
// fixed-size round-robin poll loop into Go goroutines that each pull
// their own next chunk instead of being re-dispatched by a central
// loop; the locked table and per-entry state machine are unchanged.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dadap/pigdo/internal/fetch"
	"github.com/dadap/pigdo/internal/hashutil"
	"github.com/dadap/pigdo/internal/imagelayout"
	"github.com/dadap/pigdo/internal/manifest"
	"github.com/dadap/pigdo/internal/mirror"
	"github.com/dadap/pigdo/internal/template"

	pigdoerrors "github.com/dadap/pigdo/internal/errors"
)

// resolvedEntry pairs a decoded template FileEntry with the manifest
// data needed to fetch it: the matching Parts entry and its server.
type resolvedEntry struct {
	manifestEntry *manifest.FileEntry
	server        *manifest.Server
}

// Scheduler owns one reconstruction run.
type Scheduler struct {
	image    *imagelayout.Image
	manifest *manifest.Manifest
	table    *table
	desc     *template.DescTable
	fetcher  fetch.Fetcher
	logger   *slog.Logger

	workers      int
	maxAttempts  int
	pollInterval time.Duration

	resolved  []*resolvedEntry
	slots     []*workerSlot
	blacklist *lru.Cache[string, struct{}]
}

// Options configures a Scheduler.
type Options struct {
	Workers       int
	MaxAttempts   int
	BlacklistSize int
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// New constructs a Scheduler ready to Run against image/manifest/desc.
func New(image *imagelayout.Image, m *manifest.Manifest, desc *template.DescTable, fetcher fetch.Fetcher, opts Options) (*Scheduler, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BlacklistSize <= 0 {
		opts.BlacklistSize = 256
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	blacklist, err := lru.New[string, struct{}](opts.BlacklistSize)
	if err != nil {
		return nil, pigdoerrors.NewResolverError("init mirror blacklist", err)
	}

	slots := make([]*workerSlot, opts.Workers)
	for i := range slots {
		slots[i] = &workerSlot{}
	}

	return &Scheduler{
		image:        image,
		manifest:     m,
		table:        newTable(desc),
		desc:         desc,
		fetcher:      fetcher,
		logger:       opts.Logger,
		workers:      opts.Workers,
		maxAttempts:  opts.MaxAttempts,
		pollInterval: opts.PollInterval,
		resolved:     make([]*resolvedEntry, len(desc.Files)),
		slots:        slots,
		blacklist:    blacklist,
	}, nil
}

// setup resolves every file entry against the manifest and marks
// local hits, using a bounded-concurrency scan since resolution for
// one entry never depends on another's.
//
// Grounded on jigdoFindLocalFiles's bulk local-copy detection pass;
// sourcegraph/conc/pool gives it bounded fan-out instead of a serial
// scan.
func (s *Scheduler) setup(ctx context.Context) error {
	pl := concpool.New().WithErrors().WithFirstError().WithMaxGoroutines(s.workers)

	for i, f := range s.desc.Files {
		i, f := i, f
		pl.Go(func() error {
			candidates := mirror.FindByMD5(s.manifest, f.MD5)
			if len(candidates) == 0 {
				f.Status = template.FatalError
				s.logger.Warn("no manifest entry for file", slog.String("md5", f.MD5.String()))
				return nil
			}

			me := candidates[0]
			server, ok := s.manifest.Servers[me.ServerRef]
			if !ok {
				f.Status = template.FatalError
				s.logger.Warn("manifest entry references unknown server",
					slog.String("server", string(me.ServerRef)))
				return nil
			}

			s.resolved[i] = &resolvedEntry{manifestEntry: me, server: server}

			idx, err := mirror.ResolveLocal(server, me)
			if err != nil {
				return err
			}
			if idx >= 0 {
				me.LocalMatch = idx
				f.Status = template.LocalCopy
			}
			return nil
		})
	}

	return pl.Wait()
}

// verifyPartial rehashes every non-local, non-terminal file entry
// against the existing on-disk image and marks already-correct
// entries Complete, so a rerun against a partially fetched image does
// not refetch data it already has.
//
// Grounded on verifyPartial in worker.c, parallelized with
// sourcegraph/conc/pool; pigdo has no persistent resume log, so this
// rehash is the entire resume mechanism.
func (s *Scheduler) verifyPartial(ctx context.Context) error {
	if !s.image.ExistingFile {
		return nil
	}

	pl := concpool.New().WithErrors().WithFirstError().WithMaxGoroutines(s.workers)

	for _, f := range s.desc.Files {
		f := f
		if f.Status == template.LocalCopy || f.Status.Terminal() {
			continue
		}
		pl.Go(func() error {
			mapped, dataStart, err := s.image.MapRangeReadOnly(f.Offset, f.Size)
			if err != nil {
				return err
			}
			defer imagelayout.Unmap(mapped)

			sum := hashutil.MD5OfBytes(mapped[dataStart : dataStart+int(f.Size)])
			if sum.Equal(f.MD5) {
				s.table.setStatus(f, template.Complete)
			}
			return nil
		})
	}

	return pl.Wait()
}

// Run executes the full reconstruction: setup, resume verification,
// the worker pool, and the final whole-image MD5 check. It returns
// true only if every entry completed and the final hash matches.
func (s *Scheduler) Run(ctx context.Context) (bool, error) {
	if err := s.setup(ctx); err != nil {
		return false, err
	}
	if err := s.verifyPartial(ctx); err != nil {
		return false, err
	}

	stopProgress := runProgressReporter(ctx, s.logger, s.slots)
	defer stopProgress()

	var wg sync.WaitGroup
	wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		i := i
		go func() {
			defer wg.Done()
			s.workerLoop(ctx, i)
		}()
	}
	wg.Wait()

	if s.table.hasFatalError() {
		return false, pigdoerrors.NewResolverError("reconstruction", fmt.Errorf("one or more entries failed permanently"))
	}

	return s.finalVerify()
}

// finalVerify hashes the whole assembled image and compares it to
// the ImageInfo entry's declared MD5.
//
// Grounded on pfetch's closing md5Fd/md5Cmp check.
func (s *Scheduler) finalVerify() (bool, error) {
	sum := hashutil.MD5OfFD(s.image.File)
	if sum.IsSentinel() {
		return false, pigdoerrors.NewIoError("final image hash", fmt.Errorf("failed to hash output image"))
	}
	if !sum.Equal(s.desc.ImageInfo.MD5) {
		return false, pigdoerrors.NewChecksumError("final image verification", s.desc.ImageInfo.MD5.String(), sum.String(), true)
	}
	return true, nil
}
