package scheduler

import (
	"sync"

	"github.com/dadap/pigdo/internal/template"
)

// table is the scheduler's locked view onto a DescTable's Files.
// Every status read or transition goes through here so that the
// worker pool's "pick an eligible entry and mark it Assigned"
// sequence happens atomically, matching the source's tableLock
// discipline in worker.c.
type table struct {
	mu   sync.Mutex
	desc *template.DescTable
}

func newTable(desc *template.DescTable) *table {
	return &table{desc: desc}
}

// selectChunk scans for the first eligible entry, marks it Assigned,
// and returns it along with its index. It returns (nil, -1) if no
// entry is currently eligible, which may be transient (another worker
// still holds one InProgress) or permanent (everything is terminal), or
// if any entry has already reached FatalError: per spec, a FatalError
// aborts the whole reconstruction at the next scheduler poll, so no new
// work is assigned once one has occurred, matching the source's
// partsRemain early-exit on a negative count.
func (t *table) selectChunk() (*template.FileEntry, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var chosen *template.FileEntry
	chosenIdx := -1

	for i, f := range t.desc.Files {
		if f.Status == template.FatalError {
			return nil, -1
		}
		if chosen == nil && f.Status.Eligible() {
			chosen, chosenIdx = f, i
		}
	}

	if chosen != nil {
		chosen.Status = template.Assigned
	}
	return chosen, chosenIdx
}

// setStatus assigns status to entry under the table lock.
func (t *table) setStatus(entry *template.FileEntry, status template.CommitStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.Status = status
}

// incrementAttempts bumps entry's attempt counter and returns the new
// value, under the table lock.
func (t *table) incrementAttempts(entry *template.FileEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.Attempts++
	return entry.Attempts
}

// allTerminal reports whether every entry has reached Complete or
// FatalError, meaning no worker will ever find more eligible work.
//
// Grounded on partsRemain, but checking every entry rather than
// stopping at count-1: the source's loop bound skips the final file,
// a latent bug masked by partsRemain's caller-driven contiguous-
// completion shortcut, which this implementation does not reproduce.
func (t *table) allTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range t.desc.Files {
		if !f.Status.Terminal() {
			return false
		}
	}
	return true
}

// hasFatalError reports whether any entry reached FatalError.
func (t *table) hasFatalError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range t.desc.Files {
		if f.Status == template.FatalError {
			return true
		}
	}
	return false
}

// countCompleted returns the number of Complete entries and their
// combined byte size, for progress reporting.
func (t *table) countCompleted() (count int, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range t.desc.Files {
		if f.Status == template.Complete {
			count++
			bytes += f.Size
		}
	}
	return
}
