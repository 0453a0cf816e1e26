// Package staging moves verified downloads into their destination
// partitions and writes the recovery command file the boot-time recovery
// environment consumes, per spec.md §4.7.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/isoboot/updateengine/internal/enginerr"
	"github.com/isoboot/updateengine/internal/keyring"
	"github.com/isoboot/updateengine/internal/model"
)

// preservedCacheFiles are the only entries in the cache partition a sweep
// leaves untouched.
var preservedCacheFiles = map[string]bool{
	"log":      true,
	"last_log": true,
}

// SweepCache deletes every entry in cachePartition except the preserved log
// files. The engine runs it when staging a verified download, before the
// new files are placed.
func SweepCache(cachePartition string) error {
	entries, err := os.ReadDir(cachePartition)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return enginerr.Wrap(enginerr.KindStructural, "listing cache partition", err)
	}

	for _, e := range entries {
		if preservedCacheFiles[e.Name()] {
			continue
		}
		full := filepath.Join(cachePartition, e.Name())
		if err := os.RemoveAll(full); err != nil {
			return enginerr.Wrap(enginerr.KindStructural, fmt.Sprintf("removing stale cache entry %s", full), err)
		}
	}
	return nil
}

// DownloadedFile is one verified file ready to be staged: its current
// on-disk location (inside the scoped temporary download area) and the
// basename it should carry at its destination.
type DownloadedFile struct {
	SourcePath string
	Name       string // destination basename, e.g. "update_200.zip" or "update_200.zip.asc"
}

// PlaceInPartition moves (renaming when possible, copying otherwise) every
// file in files into partitionDir under its declared Name.
func PlaceInPartition(files []DownloadedFile, partitionDir string) error {
	if err := os.MkdirAll(partitionDir, 0o755); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "creating destination partition directory", err)
	}
	for _, f := range files {
		dst := filepath.Join(partitionDir, f.Name)
		if err := moveOrCopy(f.SourcePath, dst); err != nil {
			return enginerr.Wrap(enginerr.KindStructural, fmt.Sprintf("staging %s", f.Name), err)
		}
	}
	return nil
}

// moveOrCopy renames src to dst, falling back to a copy+remove when they
// live on different filesystems (os.Rename's EXDEV).
func moveOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only file

	out, err := os.CreateTemp(filepath.Dir(dst), ".stage-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", dst, err)
	}
	tmpPath := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck // cleanup path, already failing
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("renaming into place %s: %w", dst, err)
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing source %s after copy: %w", src, err)
	}
	return nil
}

// WipeDataPartition removes every entry from the data partition, for
// factoryReset/productionReset (spec.md §4.10). Unlike SweepCache, nothing
// is preserved: the blacklist archive (keyring.Paths.Blacklist) and any
// prior reset flag file go too, and LoadAll must be run again afterward to
// notice the blacklist is gone.
func WipeDataPartition(dataPartition string) error {
	entries, err := os.ReadDir(dataPartition)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return enginerr.Wrap(enginerr.KindStructural, "listing data partition", err)
	}
	for _, e := range entries {
		full := filepath.Join(dataPartition, e.Name())
		if err := os.RemoveAll(full); err != nil {
			return enginerr.Wrap(enginerr.KindStructural, fmt.Sprintf("removing data partition entry %s", full), err)
		}
	}
	return nil
}

// WriteResetFlag atomically writes the productionReset flag file: its mere
// presence marks the device as reset-for-production, so content is
// informational only.
func WriteResetFlag(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "creating data partition directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".reset-*")
	if err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "creating temp reset flag", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString("production\n"); err != nil {
		tmp.Close()         //nolint:errcheck // cleanup path, already failing
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return enginerr.Wrap(enginerr.KindStructural, "writing reset flag", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()         //nolint:errcheck // cleanup path, already failing
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return enginerr.Wrap(enginerr.KindStructural, "fsyncing reset flag", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return enginerr.Wrap(enginerr.KindStructural, "closing reset flag", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return enginerr.Wrap(enginerr.KindStructural, "renaming reset flag into place", err)
	}
	return nil
}

// keyringOrder is the fixed sequence load_keyring lines are emitted in: the
// spec leaves the exact command-file bytes device-specific (spec.md §9), so
// this engine emits every keyring configured in CommandFileInput.Keyrings
// (whether or not its archive exists on disk), in trust-chain order, which
// is the only order that is unambiguous across devices. The blacklist is
// not emitted.
var keyringOrder = []model.KeyringIdentity{
	model.KeyringArchiveMaster,
	model.KeyringImageMaster,
	model.KeyringImageSigning,
	model.KeyringDeviceSigning,
}

// CommandFileInput supplies everything WriteCommandFile needs to render the
// recovery command file for one winning path.
type CommandFileInput struct {
	FormatVersion int
	Keyrings      keyring.Paths
	Path          model.CandidatePath
	// ImageBasename returns the destination basenames (zip, sig) staged for
	// one step of the winning path, in the order they should appear as
	// "update" lines.
	ImageBasename func(model.Image) (zip, sig string, err error)
}

// WriteCommandFile atomically writes the recovery command file to dest:
// write to a temp name in the same directory, fsync, then rename — so the
// recovery environment never observes a partial file.
func WriteCommandFile(dest string, in CommandFileInput) error {
	lines, err := renderCommandFile(in)
	if err != nil {
		return err
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "creating command file directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".command-*")
	if err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "creating temp command file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(lines); err != nil {
		tmp.Close()         //nolint:errcheck // cleanup path, already failing
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return enginerr.Wrap(enginerr.KindStructural, "writing command file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()         //nolint:errcheck // cleanup path, already failing
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return enginerr.Wrap(enginerr.KindStructural, "fsyncing command file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return enginerr.Wrap(enginerr.KindStructural, "closing command file", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return enginerr.Wrap(enginerr.KindStructural, "renaming command file into place", err)
	}
	return nil
}

func renderCommandFile(in CommandFileInput) (string, error) {
	if len(in.Path) == 0 {
		return "", enginerr.New(enginerr.KindStructural, "cannot write a command file for an empty path")
	}

	var b []byte
	b = append(b, fmt.Sprintf("format_version %d\n", in.FormatVersion)...)

	for _, id := range keyringOrder {
		name, sig := keyringFiles(in.Keyrings, id)
		if name == "" {
			continue
		}
		if sig == "" {
			return "", enginerr.New(enginerr.KindStructural, fmt.Sprintf("missing sibling signature for %s keyring", id))
		}
		b = append(b, fmt.Sprintf("load_keyring %s %s\n", filepath.Base(name), filepath.Base(sig))...)
	}

	b = append(b, "mount system\n"...)

	images := append(model.CandidatePath{}, in.Path...)
	sort.SliceStable(images, func(i, j int) bool { return images[i].Version < images[j].Version })
	for _, img := range images {
		zip, sig, err := in.ImageBasename(img)
		if err != nil {
			return "", enginerr.Wrap(enginerr.KindStructural, fmt.Sprintf("resolving staged names for version %d", img.Version), err)
		}
		if sig == "" {
			return "", enginerr.New(enginerr.KindStructural, fmt.Sprintf("missing sibling signature for version %d", img.Version))
		}
		b = append(b, fmt.Sprintf("update %s %s\n", zip, sig)...)
	}

	b = append(b, "unmount system\n"...)
	return string(b), nil
}

// keyringFiles returns the archive path and its ".asc" sibling for a
// configured keyring identity, or ("", "") if that keyring isn't
// configured (device-signing is optional).
func keyringFiles(paths keyring.Paths, id model.KeyringIdentity) (archive, sig string) {
	var p string
	switch id {
	case model.KeyringArchiveMaster:
		p = paths.ArchiveMaster
	case model.KeyringImageMaster:
		p = paths.ImageMaster
	case model.KeyringImageSigning:
		p = paths.ImageSigning
	case model.KeyringDeviceSigning:
		p = paths.DeviceSigning
	}
	if p == "" {
		return "", ""
	}
	return p, p + ".asc"
}
