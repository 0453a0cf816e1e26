package staging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/isoboot/updateengine/internal/keyring"
	"github.com/isoboot/updateengine/internal/model"
)

func TestSweepCache_PreservesLogFilesOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"log", "last_log", "update_199.zip", "stale.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seeding %s: %v", name, err)
		}
	}

	if err := SweepCache(dir); err != nil {
		t.Fatalf("SweepCache: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	got := map[string]bool{}
	for _, e := range entries {
		got[e.Name()] = true
	}
	if !got["log"] || !got["last_log"] {
		t.Errorf("expected log and last_log to survive the sweep, got %v", got)
	}
	if got["update_199.zip"] || got["stale.tmp"] {
		t.Errorf("expected non-log entries to be removed, got %v", got)
	}
}

func TestSweepCache_MissingDirectoryIsNotAnError(t *testing.T) {
	if err := SweepCache(filepath.Join(t.TempDir(), "does-not-exist")); err != nil {
		t.Fatalf("expected a missing cache partition to be tolerated, got %v", err)
	}
}

func TestPlaceInPartition_MovesFilesToDestination(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := filepath.Join(t.TempDir(), "cache")

	srcPath := filepath.Join(srcDir, "downloaded-blob")
	if err := os.WriteFile(srcPath, []byte("payload"), 0o644); err != nil {
		t.Fatalf("seeding source file: %v", err)
	}

	err := PlaceInPartition([]DownloadedFile{{SourcePath: srcPath, Name: "update_200.zip"}}, dstDir)
	if err != nil {
		t.Fatalf("PlaceInPartition: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "update_200.zip"))
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("expected staged file contents to be preserved, got %q", got)
	}
	if _, err := os.Stat(srcPath); !os.IsNotExist(err) {
		t.Errorf("expected the source file to be gone after staging, stat err=%v", err)
	}
}

func TestWriteCommandFile_RendersExpectedFormat(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "command")

	paths := keyring.Paths{
		ArchiveMaster: filepath.Join(dir, "archive-master.tar.gz"),
		ImageMaster:   filepath.Join(dir, "image-master.tar.gz"),
		ImageSigning:  filepath.Join(dir, "image-signing.tar.gz"),
	}

	path := model.CandidatePath{
		{Version: 200, Kind: model.KindFull},
	}

	err := WriteCommandFile(dest, CommandFileInput{
		FormatVersion: 1,
		Keyrings:      paths,
		Path:          path,
		ImageBasename: func(img model.Image) (string, string, error) {
			return "update_200.zip", "update_200.zip.asc", nil
		},
	})
	if err != nil {
		t.Fatalf("WriteCommandFile: %v", err)
	}

	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading command file: %v", err)
	}
	content := string(b)

	for _, want := range []string{
		"format_version 1\n",
		"load_keyring archive-master.tar.gz archive-master.tar.gz.asc\n",
		"load_keyring image-master.tar.gz image-master.tar.gz.asc\n",
		"load_keyring image-signing.tar.gz image-signing.tar.gz.asc\n",
		"mount system\n",
		"update update_200.zip update_200.zip.asc\n",
		"unmount system\n",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("expected command file to contain %q, got:\n%s", want, content)
		}
	}
}

func TestWriteCommandFile_EmptyPathIsRejected(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "command")
	err := WriteCommandFile(dest, CommandFileInput{FormatVersion: 1, Path: nil})
	if err == nil {
		t.Fatal("expected an error for an empty candidate path")
	}
}
