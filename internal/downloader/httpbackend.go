package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/isoboot/updateengine/internal/enginerr"
	"github.com/isoboot/updateengine/internal/httpclient"
)

// HTTPBackend downloads items directly over HTTP(S), verifying each
// file's checksum before moving it into place.
type HTTPBackend struct {
	Client     *http.Client
	Link       LinkProbe
	Concurrency int // worker pool size; 0 means 4

	mu      sync.Mutex
	batches map[Handle]*batch
	next    int
}

// NewHTTPBackend constructs an HTTPBackend. client and link may both be
// nil; a nil client means each download builds its own httpclient.New()
// client, and link defaults
// to always reporting LinkUnknown (gating never triggers).
func NewHTTPBackend(client *http.Client, link LinkProbe, concurrency int) *HTTPBackend {
	if link == nil {
		link = func() LinkKind { return LinkUnknown }
	}
	return &HTTPBackend{Client: client, Link: link, Concurrency: concurrency, batches: make(map[Handle]*batch)}
}

func (b *HTTPBackend) Enqueue(items []Item, opts Options) (Handle, error) {
	if err := checkDuplicateDest(items); err != nil {
		return "", err
	}

	// GSM gating: a cellular link without the override doesn't fail the
	// batch here — enqueue always succeeds; awaitLinkAllowed holds each
	// worker queued, re-reading the link on every Resume, until the link is
	// no longer cellular or the batch is cancelled. opts (and so the
	// override) is fixed for the batch at enqueue time.
	bt := newBatch(items)

	b.mu.Lock()
	b.next++
	h := Handle(fmt.Sprintf("batch-%d", b.next))
	b.batches[h] = bt
	b.mu.Unlock()

	go b.run(bt, opts)

	return h, nil
}

func (b *HTTPBackend) run(bt *batch, opts Options) {
	concurrency := b.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, item := range bt.items {
		select {
		case <-bt.cancel:
			bt.setFailed(enginerr.New(enginerr.KindCancelled, "download cancelled"))
			return
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item Item) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := b.awaitLinkAllowed(bt, opts); err != nil {
				bt.setFailed(err)
				return
			}
			if err := b.downloadOne(bt, i, item); err != nil {
				bt.setFailed(err)
				bt.cancelOnce()
			}
		}(i, item)
	}

	wg.Wait()
}

// awaitLinkAllowed blocks while the link is cellular and the batch lacks
// the one-shot override, waking on cancel or resume.
func (b *HTTPBackend) awaitLinkAllowed(bt *batch, opts Options) error {
	for b.Link() == LinkCellular && !opts.AllowCellular {
		select {
		case <-bt.cancel:
			return enginerr.New(enginerr.KindCancelled, "download cancelled while waiting for a non-cellular link")
		case <-bt.resume:
		}
	}
	return nil
}

// progressSidecar is the on-disk marker tracking how many bytes of a
// partial download have already been written, so a later resume can issue
// an HTTP Range request instead of restarting from zero. It lives beside
// the temp file it describes.
func progressSidecar(tmpPath string) string { return tmpPath + ".progress" }

func readProgressSidecar(path string) int64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeProgressSidecar(path string, n int64) {
	// Best-effort: a missing or stale sidecar only costs a restart-from-zero
	// on the next resume, never correctness (the checksum catches any
	// corruption either way).
	_ = os.WriteFile(path, []byte(strconv.FormatInt(n, 10)), 0o644)
}

// downloadOne downloads item to a temp file beside its destination,
// verifies its checksum with a streaming hash, and renames it into place
// only on success. pause() blocks progress until resume(), without losing
// already-written bytes. A temp file and its .progress sidecar left behind
// by a prior cancelled run are resumed via HTTP Range rather than
// redownloaded from scratch.
func (b *HTTPBackend) downloadOne(bt *batch, index int, item Item) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-bt.cancel:
			cancel()
		case <-ctx.Done():
		}
	}()

	client := b.Client
	if client == nil {
		client = httpclient.New()
	}

	dir := filepath.Dir(item.Dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "creating destination directory", err)
	}

	tmpPath := item.Dest + ".download"
	sidecarPath := progressSidecar(tmpPath)
	alreadyDone := readProgressSidecar(sidecarPath)

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "opening temp file", err)
	}
	closed := false
	succeeded := false
	defer func() {
		if !closed {
			tmp.Close() //nolint:errcheck // best-effort close on cleanup
		}
		if !succeeded {
			return
		}
		os.Remove(tmpPath)     //nolint:errcheck // staged into place already
		os.Remove(sidecarPath) //nolint:errcheck // no longer needed once renamed
	}()

	hasher := sha256.New()
	if alreadyDone > 0 {
		if n, err := io.Copy(hasher, io.NewSectionReader(tmp, 0, alreadyDone)); err != nil || n != alreadyDone {
			// The partial file doesn't match what the sidecar claims; start over.
			alreadyDone = 0
			if _, err := tmp.Seek(0, io.SeekStart); err != nil {
				return enginerr.Wrap(enginerr.KindStructural, "rewinding temp file", err)
			}
			if err := tmp.Truncate(0); err != nil {
				return enginerr.Wrap(enginerr.KindStructural, "truncating temp file", err)
			}
			hasher.Reset()
		}
	}
	if alreadyDone > 0 {
		bt.addProgress(index, alreadyDone)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "building download request", err)
	}
	if alreadyDone > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", alreadyDone))
	}

	var resp *http.Response
	retry := backoff.NewExponentialBackOff()
	err = backoff.Retry(func() error {
		var doErr error
		resp, doErr = client.Do(req)
		if doErr != nil {
			return doErr
		}
		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent:
			return nil
		default:
			resp.Body.Close() //nolint:errcheck // draining a failed response
			return fmt.Errorf("downloading %s: HTTP %d", item.URL, resp.StatusCode)
		}
	}, backoff.WithContext(retry, ctx))
	if err != nil {
		return enginerr.Wrap(enginerr.KindTransient, fmt.Sprintf("downloading %s", item.URL), err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response

	// A server that ignores Range and sends the whole body again must not
	// be appended to the partial file already on disk.
	if alreadyDone > 0 && resp.StatusCode == http.StatusOK {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return enginerr.Wrap(enginerr.KindStructural, "rewinding temp file", err)
		}
		if err := tmp.Truncate(0); err != nil {
			return enginerr.Wrap(enginerr.KindStructural, "truncating temp file", err)
		}
		hasher.Reset()
		alreadyDone = 0
	}

	if _, err := tmp.Seek(alreadyDone, io.SeekStart); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "seeking temp file to resume point", err)
	}

	writer := io.MultiWriter(tmp, hasher, &progressWriter{bt: bt, index: index}, &sidecarWriter{path: sidecarPath, base: alreadyDone})

	if err := b.copyWithPause(ctx, bt, writer, resp.Body); err != nil {
		return err
	}

	if err := tmp.Close(); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "closing temp file", err)
	}
	closed = true

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != item.ExpectedSHA256 {
		os.Remove(tmpPath)     //nolint:errcheck // corrupt partial, don't leave it for a bad resume
		os.Remove(sidecarPath) //nolint:errcheck // matching cleanup of the sidecar
		return enginerr.New(enginerr.KindStructural, fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", item.Dest, item.ExpectedSHA256, actual))
	}

	if err := os.Rename(tmpPath, item.Dest); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "renaming temp file into place", err)
	}
	succeeded = true
	return nil
}

// sidecarWriter records the running total of bytes written so a later
// resume knows where to issue its Range request from. It rewrites the
// whole sidecar file on every call rather than appending, since the
// sidecar only ever needs to hold the single latest count.
type sidecarWriter struct {
	path  string
	base  int64
	total int64
}

func (s *sidecarWriter) Write(b []byte) (int, error) {
	s.total += int64(len(b))
	writeProgressSidecar(s.path, s.base+s.total)
	return len(b), nil
}

// copyWithPause copies src into dst, blocking whenever the batch is
// paused and resuming where it left off (the partial temp file and its
// already-written bytes are never discarded).
func (b *HTTPBackend) copyWithPause(ctx context.Context, bt *batch, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-bt.pause:
			select {
			case <-bt.resume:
			case <-bt.cancel:
				return enginerr.New(enginerr.KindCancelled, "download cancelled while paused")
			}
		case <-bt.cancel:
			return enginerr.New(enginerr.KindCancelled, "download cancelled")
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return enginerr.Wrap(enginerr.KindStructural, "writing downloaded data", werr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return enginerr.Wrap(enginerr.KindTransient, "reading download stream", err)
		}
	}
}

type progressWriter struct {
	bt    *batch
	index int
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.bt.addProgress(p.index, int64(len(b)))
	return len(b), nil
}

func (b *HTTPBackend) Pause(h Handle) error {
	bt, err := b.get(h)
	if err != nil {
		return err
	}
	select {
	case bt.pause <- struct{}{}:
	default:
	}
	return nil
}

func (b *HTTPBackend) Resume(h Handle) error {
	bt, err := b.get(h)
	if err != nil {
		return err
	}
	select {
	case bt.resume <- struct{}{}:
	default:
	}
	return nil
}

func (b *HTTPBackend) Cancel(h Handle) error {
	bt, err := b.get(h)
	if err != nil {
		return err
	}
	bt.cancelOnce()
	return nil
}

func (b *HTTPBackend) Progress(h Handle) (Progress, error) {
	bt, err := b.get(h)
	if err != nil {
		return Progress{}, err
	}
	if err := bt.Err(); err != nil {
		return bt.progress(), err
	}
	return bt.progress(), nil
}

func (b *HTTPBackend) get(h Handle) (*batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bt, ok := b.batches[h]
	if !ok {
		return nil, fmt.Errorf("downloader: unknown handle %q", h)
	}
	return bt, nil
}
