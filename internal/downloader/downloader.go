// Package downloader enqueues, verifies, and atomically stages the image
// files selected by a candidate path. It exposes one Backend interface
// with two implementations: an in-process HTTP client and an
// out-of-process IPC client, selected by configuration.
package downloader

import (
	"fmt"
	"sync"
	"time"

	"github.com/isoboot/updateengine/internal/enginerr"
)

// Item is one file to download: its source URL, destination path,
// expected checksum, and declared size.
type Item struct {
	URL            string
	Dest           string
	ExpectedSHA256 string
	Size           int64
}

// LinkKind describes the network the device is currently using, for GSM
// gating.
type LinkKind int

const (
	LinkUnknown LinkKind = iota
	LinkWiFi
	LinkCellular
)

// Options configures one enqueue call.
type Options struct {
	AllowCellular bool // one-shot override bypassing the GSM gate for this batch
}

// Handle identifies one enqueued batch.
type Handle string

// Progress reports a batch's completion percentage and estimated time
// remaining.
type Progress struct {
	Percent    int
	ETASeconds int
}

// Backend is the interface both the HTTP and IPC downloaders implement.
type Backend interface {
	Enqueue(items []Item, opts Options) (Handle, error)
	Pause(h Handle) error
	Resume(h Handle) error
	Cancel(h Handle) error
	Progress(h Handle) (Progress, error)
}

// LinkProbe reports the device's current network kind, for GSM gating.
type LinkProbe func() LinkKind

// batch tracks one in-flight enqueue call's bookkeeping, shared by both
// backends.
type batch struct {
	mu         sync.Mutex
	items      []Item
	bytesDone  []int64
	failed     error
	started    time.Time
	cancelOnceFn sync.Once

	pause  chan struct{}
	resume chan struct{}
	cancel chan struct{}
}

func newBatch(items []Item) *batch {
	return &batch{
		items:     items,
		bytesDone: make([]int64, len(items)),
		started:   time.Now(),
		pause:     make(chan struct{}, 1),
		resume:    make(chan struct{}, 1),
		cancel:    make(chan struct{}),
	}
}

// cancelOnce closes the cancel channel exactly once, safe to call
// concurrently from multiple failing workers.
func (b *batch) cancelOnce() {
	b.cancelOnceFn.Do(func() { close(b.cancel) })
}

// Err returns the first error recorded for the batch, if any.
func (b *batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

func (b *batch) totalBytes() int64 {
	var total int64
	for _, it := range b.items {
		total += it.Size
	}
	return total
}

func (b *batch) addProgress(i int, n int64) {
	b.mu.Lock()
	b.bytesDone[i] += n
	b.mu.Unlock()
}

func (b *batch) setFailed(err error) {
	b.mu.Lock()
	if b.failed == nil {
		b.failed = err
	}
	b.mu.Unlock()
}

func (b *batch) progress() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.totalBytes()
	if total == 0 {
		return Progress{}
	}
	var done int64
	for _, n := range b.bytesDone {
		done += n
	}
	percent := int(done * 100 / total)

	elapsed := time.Since(b.started).Seconds()
	var eta int
	if done > 0 && elapsed > 0 {
		rate := float64(done) / elapsed
		remaining := float64(total - done)
		if rate > 0 {
			eta = int(remaining / rate)
		}
	}
	return Progress{Percent: percent, ETASeconds: eta}
}

// checkDuplicateDest validates the invariant from spec.md §4.6: two items
// sharing a destination are allowed only if their URL and checksum agree.
func checkDuplicateDest(items []Item) error {
	seen := make(map[string]Item, len(items))
	for _, it := range items {
		prior, ok := seen[it.Dest]
		if !ok {
			seen[it.Dest] = it
			continue
		}
		if prior.URL != it.URL || prior.ExpectedSHA256 != it.ExpectedSHA256 {
			return enginerr.New(enginerr.KindStructural, fmt.Sprintf("conflicting sources for destination %s", it.Dest))
		}
	}
	return nil
}
