package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/isoboot/updateengine/internal/enginerr"
	"github.com/isoboot/updateengine/internal/httpclient"
	"github.com/isoboot/updateengine/internal/model"
)

// Result is the outcome of a successful FetchChannels/FetchIndex round:
// the parsed document plus the local paths its content and signature were
// staged to, so callers can pass them straight to a Verifier.
type Result struct {
	Content  []byte
	DataPath string
	SigPath  string
}

// fetchAndStage downloads url and its ".asc" sibling, writes both to
// destDir under name and name+".asc", and returns the staged paths.
func (f *Fetcher) fetchAndStage(ctx context.Context, url, destDir, name string) (Result, error) {
	content, err := httpclient.FetchContent(ctx, f.HTTPClient, url)
	if err != nil {
		return Result{}, enginerr.Wrap(enginerr.KindTransient, fmt.Sprintf("fetching %s", url), err)
	}
	sig, err := httpclient.FetchContent(ctx, f.HTTPClient, url+".asc")
	if err != nil {
		return Result{}, enginerr.Wrap(enginerr.KindTransient, fmt.Sprintf("fetching %s.asc", url), err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Result{}, enginerr.Wrap(enginerr.KindStructural, "creating staging directory", err)
	}
	dataPath := filepath.Join(destDir, name)
	sigPath := dataPath + ".asc"
	if err := os.WriteFile(dataPath, content, 0o644); err != nil {
		return Result{}, enginerr.Wrap(enginerr.KindStructural, "writing fetched document", err)
	}
	if err := os.WriteFile(sigPath, sig, 0o644); err != nil {
		return Result{}, enginerr.Wrap(enginerr.KindStructural, "writing fetched signature", err)
	}

	return Result{Content: content, DataPath: dataPath, SigPath: sigPath}, nil
}

// FetchChannels downloads channels.json and its signature, verifies it,
// and parses it. A signature failure is reported as an enginerr of Kind
// KindSignature so the engine's recovery rule can act on it.
func (f *Fetcher) FetchChannels(ctx context.Context) (map[string]model.Channel, error) {
	res, err := f.fetchAndStage(ctx, f.channelsURL(), f.DestDir, "channels.json")
	if err != nil {
		return nil, err
	}

	ok, err := f.SignatureOf.Verify(res.DataPath, res.SigPath)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindSignature, "verifying channels.json", err)
	}
	if !ok {
		return nil, enginerr.New(enginerr.KindSignature, "channels.json signature does not verify")
	}

	return ParseChannels(res.Content)
}

// FetchKeyring re-downloads a keyring archive and its detached signature
// from the server's well-known gpg/ path, for internal/keyring's
// recovery-rule re-pull (spec.md §4.2). It implements keyring.Fetcher.
func (f *Fetcher) FetchKeyring(identity model.KeyringIdentity, archiveDest, sigDest string) error {
	url := strings.TrimRight(f.Root, "/") + "/gpg/" + string(identity) + ".tar.gz"

	content, err := httpclient.FetchContent(context.Background(), f.HTTPClient, url)
	if err != nil {
		return enginerr.Wrap(enginerr.KindTransient, fmt.Sprintf("fetching %s keyring", identity), err)
	}
	sig, err := httpclient.FetchContent(context.Background(), f.HTTPClient, url+".asc")
	if err != nil {
		return enginerr.Wrap(enginerr.KindTransient, fmt.Sprintf("fetching %s keyring signature", identity), err)
	}

	if err := os.MkdirAll(filepath.Dir(archiveDest), 0o755); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "creating keyring directory", err)
	}
	if err := os.WriteFile(archiveDest, content, 0o644); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, fmt.Sprintf("writing %s keyring", identity), err)
	}
	if err := os.WriteFile(sigDest, sig, 0o644); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, fmt.Sprintf("writing %s keyring signature", identity), err)
	}
	return nil
}

// FetchIndex downloads the index.json for (channel, device) per the
// channel entry's device map, verifies it, and parses it.
func (f *Fetcher) FetchIndex(ctx context.Context, channel model.Channel, device string) (model.Index, error) {
	entry, ok := channel.Devices[device]
	if !ok {
		return model.Index{}, enginerr.New(enginerr.KindStructural, fmt.Sprintf("device %q not present in channel %q", device, channel.Name))
	}

	url := f.indexURL(channel.Name, device, entry.Index)
	res, err := f.fetchAndStage(ctx, url, filepath.Join(f.DestDir, channel.Name, device), "index.json")
	if err != nil {
		return model.Index{}, err
	}

	ok, err = f.SignatureOf.Verify(res.DataPath, res.SigPath)
	if err != nil {
		return model.Index{}, enginerr.Wrap(enginerr.KindSignature, "verifying index.json", err)
	}
	if !ok {
		return model.Index{}, enginerr.New(enginerr.KindSignature, "index.json signature does not verify")
	}

	return ParseIndex(res.Content)
}
