package engine_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/isoboot/updateengine/internal/channels"
	"github.com/isoboot/updateengine/internal/config"
	"github.com/isoboot/updateengine/internal/downloader"
	"github.com/isoboot/updateengine/internal/engine"
	"github.com/isoboot/updateengine/internal/enginerr"
	"github.com/isoboot/updateengine/internal/hooks"
	"github.com/isoboot/updateengine/internal/httpclient"
	"github.com/isoboot/updateengine/internal/keyring"
	"github.com/isoboot/updateengine/internal/settings"
)

// --- keyring fixture helpers, mirroring internal/keyring's own test doubles ---

func genKeyPair(name string) *openpgp.Entity {
	e, err := openpgp.NewEntity(name, "", name+"@example.com", nil)
	Expect(err).NotTo(HaveOccurred())
	return e
}

func armoredPublicKey(e *openpgp.Entity) []byte {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	Expect(err).NotTo(HaveOccurred())
	Expect(e.Serialize(w)).To(Succeed())
	Expect(w.Close()).To(Succeed())
	return buf.Bytes()
}

func detachSign(signer *openpgp.Entity, data []byte) []byte {
	var buf bytes.Buffer
	Expect(openpgp.ArmoredDetachSign(&buf, signer, bytes.NewReader(data), nil)).To(Succeed())
	return buf.Bytes()
}

// writeKeyringArchive builds a keyring tar.gz at path containing the given
// armored public key blob and a bare {"type": ...} manifest, then (when
// signer is non-nil) a detached signature of the archive alongside it.
func writeKeyringArchive(path string, keyBlob []byte, manifestType string, signer *openpgp.Entity) {
	var tarBuf bytes.Buffer
	gz := gzip.NewWriter(&tarBuf)
	tw := tar.NewWriter(gz)

	manifestJSON, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: manifestType})
	Expect(err).NotTo(HaveOccurred())

	writeMember := func(name string, data []byte) {
		Expect(tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644})).To(Succeed())
		_, err := tw.Write(data)
		Expect(err).NotTo(HaveOccurred())
	}
	writeMember("key.asc", keyBlob)
	writeMember("manifest.json", manifestJSON)

	Expect(tw.Close()).To(Succeed())
	Expect(gz.Close()).To(Succeed())
	Expect(os.WriteFile(path, tarBuf.Bytes(), 0o644)).To(Succeed())

	if signer != nil {
		Expect(os.WriteFile(path+".asc", detachSign(signer, tarBuf.Bytes()), 0o644)).To(Succeed())
	}
}

// --- a fake downloader.Backend, standing in for the real HTTP/IPC backends ---

type handleState struct {
	percent int
}

type fakeBackend struct {
	mu           sync.Mutex
	content      map[string][]byte
	startPercent int
	handles      map[downloader.Handle]*handleState
	enqueueCalls int
	lastOptions  downloader.Options
}

func newFakeBackend(startPercent int) *fakeBackend {
	return &fakeBackend{
		content:      map[string][]byte{},
		startPercent: startPercent,
		handles:      map[downloader.Handle]*handleState{},
	}
}

func (b *fakeBackend) Enqueue(items []downloader.Item, opts downloader.Options) (downloader.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, it := range items {
		data, ok := b.content[it.URL]
		if !ok {
			return "", fmt.Errorf("fakeBackend: no fixture content registered for %s", it.URL)
		}
		if err := os.WriteFile(it.Dest, data, 0o644); err != nil {
			return "", err
		}
	}

	b.enqueueCalls++
	b.lastOptions = opts
	h := downloader.Handle(fmt.Sprintf("batch-%d", b.enqueueCalls))
	b.handles[h] = &handleState{percent: b.startPercent}
	return h, nil
}

func (b *fakeBackend) Pause(h downloader.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handles[h]; !ok {
		return fmt.Errorf("fakeBackend: unknown handle %s", h)
	}
	return nil
}

func (b *fakeBackend) Resume(h downloader.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.handles[h]
	if !ok {
		return fmt.Errorf("fakeBackend: unknown handle %s", h)
	}
	st.percent = 100
	return nil
}

func (b *fakeBackend) Cancel(h downloader.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, h)
	return nil
}

func (b *fakeBackend) Progress(h downloader.Handle) (downloader.Progress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.handles[h]
	if !ok {
		return downloader.Progress{}, fmt.Errorf("fakeBackend: unknown handle %s", h)
	}
	return downloader.Progress{Percent: st.percent}, nil
}

func (b *fakeBackend) bumpAllToComplete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.handles {
		st.percent = 100
	}
}

// --- a fake apply hook ---

type fakeApplyHook struct {
	mu        sync.Mutex
	calls     int
	rebooting bool
	err       error
}

func (h *fakeApplyHook) Apply(context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.rebooting, h.err
}

func (h *fakeApplyHook) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// --- test fixture: a server, a keyring chain, and an Engine wired to both ---

type fixture struct {
	server      *httptest.Server
	backend     *fakeBackend
	applyHook   *fakeApplyHook
	imageData   []byte
	channelHits *int
	eng         *engine.Engine
	cacheDir    string
}

// newFixture builds channels.json/index.json (offering version 200) plus a
// fully-chained keyring, serves the channel/index documents and image
// signature over httptest, registers the image payload with a fake download
// backend, and wires it all into an Engine exactly as cmd/updateengine
// would.
func newFixture(dir string, buildNumber, startPercent int, channelsDelay time.Duration) *fixture {
	return newFixtureWithDeps(dir, buildNumber, startPercent, channelsDelay, nil, nil)
}

// fakeBattery is a settable hooks.BatteryHook stand-in for exercising
// min_battery gating.
type fakeBattery struct {
	level int
	err   error
}

func (b fakeBattery) BatteryLevel() (int, error) { return b.level, b.err }

// newFixtureWithDeps is newFixture plus the two optional dependencies
// (settings store, battery hook) the auto_download/min_battery gating
// tests need; every other test uses the plain newFixture, which passes
// nil for both (settings-store-less, battery-hook-less, matching the
// engine's "both are optional" contract).
func newFixtureWithDeps(dir string, buildNumber, startPercent int, channelsDelay time.Duration, settingsStore *settings.Store, battery hooks.BatteryHook) *fixture {
	archiveMaster := genKeyPair("archive-master")
	imageMaster := genKeyPair("image-master")
	imageSigning := genKeyPair("image-signing")

	amPath := filepath.Join(dir, "archive-master.tar.gz")
	imPath := filepath.Join(dir, "image-master.tar.gz")
	isPath := filepath.Join(dir, "image-signing.tar.gz")

	writeKeyringArchive(amPath, armoredPublicKey(archiveMaster), "archive-master", nil)
	writeKeyringArchive(imPath, armoredPublicKey(imageMaster), "image-master", archiveMaster)
	writeKeyringArchive(isPath, armoredPublicKey(imageSigning), "image-signing", imageMaster)

	imageData := []byte("full image payload for version 200")
	sum := sha256.Sum256(imageData)
	checksum := hex.EncodeToString(sum[:])
	imageSig := detachSign(imageSigning, imageData)

	indexDoc := map[string]any{
		"global": map[string]any{"generated_at": "2026-01-01T00:00:00Z"},
		"images": []map[string]any{
			{
				"type":        "full",
				"version":     200,
				"description": "version 200",
				"files": []map[string]any{
					{
						"path":      "images/update_200.zip",
						"signature": "images/update_200.zip.asc",
						"checksum":  checksum,
						"size":      int64(len(imageData)),
						"order":     0,
					},
				},
			},
		},
	}
	indexJSON, err := json.Marshal(indexDoc)
	Expect(err).NotTo(HaveOccurred())
	indexSig := detachSign(imageSigning, indexJSON)

	channelsDoc := map[string]any{
		"stable": map[string]any{
			"devices": map[string]any{
				"testdevice": map[string]any{"index": "index.json"},
			},
		},
	}
	channelsJSON, err := json.Marshal(channelsDoc)
	Expect(err).NotTo(HaveOccurred())
	channelsSig := detachSign(imageSigning, channelsJSON)

	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/channels.json", func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if channelsDelay > 0 {
			time.Sleep(channelsDelay)
		}
		_, _ = w.Write(channelsJSON)
	})
	mux.HandleFunc("/channels.json.asc", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(channelsSig)
	})
	mux.HandleFunc("/stable/testdevice/index.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(indexJSON)
	})
	mux.HandleFunc("/stable/testdevice/index.json.asc", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(indexSig)
	})
	mux.HandleFunc("/images/update_200.zip.asc", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(imageSig)
	})
	server := httptest.NewServer(mux)

	store := keyring.New(keyring.Paths{
		ArchiveMaster: amPath,
		ImageMaster:   imPath,
		ImageSigning:  isPath,
	}, nil, nil)
	Expect(store.LoadAll()).To(Succeed())

	fetcher := &channels.Fetcher{
		HTTPClient:  httpclient.New(),
		Root:        server.URL,
		DestDir:     filepath.Join(dir, "staged-docs"),
		SignatureOf: store,
	}

	backend := newFakeBackend(startPercent)
	backend.content[server.URL+"/images/update_200.zip"] = imageData

	downloadDir := filepath.Join(dir, "downloads")
	Expect(os.MkdirAll(downloadDir, 0o755)).To(Succeed())
	cacheDir := filepath.Join(dir, "cache")

	applyHook := &fakeApplyHook{rebooting: true}

	eng := engine.New(engine.Deps{
		Config: config.Config{
			Service: config.Service{Channel: "stable", BuildNumber: buildNumber},
			GPG: config.GPG{
				ArchiveMaster: amPath,
				ImageMaster:   imPath,
				ImageSigning:  isPath,
			},
			Updater: config.Updater{CachePartition: cacheDir},
		},
		Keyrings:      store,
		Fetcher:       fetcher,
		Backend:       backend,
		ApplyHook:     applyHook,
		SettingsStore: settingsStore,
		Battery:       battery,
		DeviceName:    "testdevice",
		DownloadDir:   downloadDir,
	})

	return &fixture{
		server:      server,
		backend:     backend,
		applyHook:   applyHook,
		imageData:   imageData,
		channelHits: &hits,
		eng:         eng,
		cacheDir:    cacheDir,
	}
}

var _ = Describe("Engine", func() {
	var fx *fixture

	AfterEach(func() {
		if fx != nil && fx.server != nil {
			fx.server.Close()
		}
	})

	Describe("Check", func() {
		BeforeEach(func() {
			fx = newFixture(GinkgoT().TempDir(), 100, 100, 0)
		})

		It("finds and resolves the winning candidate path", func() {
			res, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.IsAvailable).To(BeTrue())
			Expect(res.AvailableVersion).To(Equal(200))
			Expect(res.UpdateSize).To(Equal(int64(len(fx.imageData))))
			Expect(fx.eng.State()).To(Equal(engine.StateReadyToDownload))
		})

		It("reports NoUpdate without an error when already at the latest version", func() {
			upToDate := newFixture(GinkgoT().TempDir(), 200, 100, 0)
			defer upToDate.server.Close()

			res, err := upToDate.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.IsAvailable).To(BeFalse())
			Expect(upToDate.eng.State()).To(Equal(engine.StateNoUpdate))
		})

		It("joins a concurrent caller onto the in-progress result", func() {
			fx.server.Close()
			fx = newFixture(GinkgoT().TempDir(), 100, 100, 150*time.Millisecond)

			var wg sync.WaitGroup
			results := make([]engine.CheckResult, 2)
			errs := make([]error, 2)

			wg.Add(2)
			go func() {
				defer wg.Done()
				results[0], errs[0] = fx.eng.Check(context.Background())
			}()
			time.Sleep(20 * time.Millisecond) // let the first call start its slow fetch
			go func() {
				defer wg.Done()
				results[1], errs[1] = fx.eng.Check(context.Background())
			}()
			wg.Wait()

			Expect(errs[0]).NotTo(HaveOccurred())
			Expect(errs[1]).NotTo(HaveOccurred())
			Expect(results[0]).To(Equal(results[1]))
			Expect(*fx.channelHits).To(Equal(1))
		})
	})

	Describe("Download", func() {
		BeforeEach(func() {
			fx = newFixture(GinkgoT().TempDir(), 100, 100, 0)
			_, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects a download attempted before a check has completed", func() {
			fresh := engine.New(engine.Deps{DownloadDir: GinkgoT().TempDir()})
			err := fresh.Download(context.Background())
			Expect(err).To(HaveOccurred())
		})

		It("downloads, verifies signatures, and transitions to Downloaded", func() {
			Expect(fx.eng.Download(context.Background())).To(Succeed())
			Expect(fx.eng.State()).To(Equal(engine.StateDownloaded))
		})

		It("rejects a second concurrent download attempt", func() {
			fx.server.Close()
			fx = newFixture(GinkgoT().TempDir(), 100, 0, 0)
			_, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() { done <- fx.eng.Download(context.Background()) }()

			Eventually(fx.eng.State).Should(Equal(engine.StateDownloading))

			err = fx.eng.Download(context.Background())
			Expect(err).To(HaveOccurred())

			fx.backend.bumpAllToComplete()
			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})
	})

	Describe("auto_download and min_battery gating", func() {
		var store *settings.Store

		BeforeEach(func() {
			var err error
			store, err = settings.Open(filepath.Join(GinkgoT().TempDir(), "settings.db"))
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			Expect(store.Close()).To(Succeed())
		})

		It("refuses to start a download below the configured min_battery", func() {
			Expect(store.Set("min_battery", "50")).To(Succeed())
			fx = newFixtureWithDeps(GinkgoT().TempDir(), 100, 100, 0, store, fakeBattery{level: 20})
			_, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())

			err = fx.eng.Download(context.Background())
			Expect(err).To(HaveOccurred())
			kind, ok := enginerr.KindOf(err)
			Expect(ok).To(BeTrue())
			Expect(kind).To(Equal(enginerr.KindPolicy))

			Expect(fx.eng.State()).To(Equal(engine.StateFailed))
			Expect(fx.backend.enqueueCalls).To(Equal(0))
		})

		It("allows the download once the battery is at or above min_battery", func() {
			Expect(store.Set("min_battery", "50")).To(Succeed())
			fx = newFixtureWithDeps(GinkgoT().TempDir(), 100, 100, 0, store, fakeBattery{level: 50})
			_, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(fx.eng.Download(context.Background())).To(Succeed())
			Expect(fx.eng.State()).To(Equal(engine.StateDownloaded))
		})

		It("fails open when the battery hook errors, rather than blocking the download", func() {
			Expect(store.Set("min_battery", "50")).To(Succeed())
			fx = newFixtureWithDeps(GinkgoT().TempDir(), 100, 100, 0, store, fakeBattery{err: fmt.Errorf("no sensor")})
			_, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(fx.eng.Download(context.Background())).To(Succeed())
		})

		It("forbids cellular downloads when auto_download is wifi-only and no override is set", func() {
			Expect(store.Set("auto_download", "1")).To(Succeed())
			fx = newFixtureWithDeps(GinkgoT().TempDir(), 100, 100, 0, store, nil)
			_, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(fx.eng.Download(context.Background())).To(Succeed())
			Expect(fx.backend.lastOptions.AllowCellular).To(BeFalse())
		})

		It("allows cellular downloads when auto_download is always", func() {
			Expect(store.Set("auto_download", "2")).To(Succeed())
			fx = newFixtureWithDeps(GinkgoT().TempDir(), 100, 100, 0, store, nil)
			_, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(fx.eng.Download(context.Background())).To(Succeed())
			Expect(fx.backend.lastOptions.AllowCellular).To(BeTrue())
		})
	})

	Describe("Pause, Resume, and Cancel", func() {
		BeforeEach(func() {
			fx = newFixture(GinkgoT().TempDir(), 100, 0, 0) // never auto-completes until bumped
			_, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())
		})

		It("pauses and resumes an in-flight download", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- fx.eng.Download(ctx) }()

			Eventually(fx.eng.State).Should(Equal(engine.StateDownloading))
			Expect(fx.eng.Pause()).To(Succeed())
			Expect(fx.eng.State()).To(Equal(engine.StateDownloadPaused))

			Expect(fx.eng.Resume()).To(Succeed())
			Expect(fx.eng.State()).To(Equal(engine.StateDownloading))

			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
			Expect(fx.eng.State()).To(Equal(engine.StateDownloaded))
		})

		It("cancels an in-flight download into Failed", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- fx.eng.Download(ctx) }()

			Eventually(fx.eng.State).Should(Equal(engine.StateDownloading))

			err := fx.eng.Cancel()
			Expect(err).To(HaveOccurred())
			Expect(fx.eng.State()).To(Equal(engine.StateFailed))

			cancel() // release the background poll loop
			Eventually(done, 2*time.Second).Should(Receive(HaveOccurred()))
		})

		It("treats Cancel as a no-op when nothing is downloading", func() {
			Expect(fx.eng.Cancel()).To(Succeed())
		})
	})

	Describe("Apply", func() {
		BeforeEach(func() {
			fx = newFixture(GinkgoT().TempDir(), 100, 100, 0)
			_, err := fx.eng.Check(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(fx.eng.Download(context.Background())).To(Succeed())
		})

		It("stages and invokes the configured apply hook", func() {
			rebooting, err := fx.eng.Apply(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(rebooting).To(BeTrue())
			Expect(fx.eng.State()).To(Equal(engine.StateApplied))
			Expect(fx.applyHook.callCount()).To(Equal(1))

			content, err := os.ReadFile(filepath.Join(fx.cacheDir, "command"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(ContainSubstring("update update_200.zip update_200.zip.asc"))
		})

		It("is invalid from a state earlier than Downloaded", func() {
			fresh := engine.New(engine.Deps{})
			_, err := fresh.Apply(context.Background())
			Expect(err).To(HaveOccurred())
		})
	})
})
