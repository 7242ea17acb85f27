package vfs

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"
)

func TestListShowsFilesAndDirs(t *testing.T) {
	v := Load("testdata/layout.json")

	out, err := v.List("/", "/sd", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !strings.Contains(out, "config.txt") {
		t.Errorf("expected config.txt in listing, got %q", out)
	}
	if !strings.Contains(out, "gcodes/") {
		t.Errorf("expected gcodes/ in listing, got %q", out)
	}
}

func TestMkdirThenListIsImmediatelyVisible(t *testing.T) {
	v := Load("testdata/layout.json")

	if err := v.Mkdir("/", "/sd/new"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	out, err := v.List("/", "/sd", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !strings.Contains(out, "new/") {
		t.Errorf("expected newly created dir to appear immediately, got %q", out)
	}
}

func TestMkdirConflict(t *testing.T) {
	v := Load("testdata/layout.json")

	if err := v.Mkdir("/", "/sd/gcodes"); err == nil {
		t.Fatalf("expected error creating a directory that already exists")
	}
}

func TestCdAndPwdRoundTrip(t *testing.T) {
	v := Load("testdata/layout.json")

	cwd, err := v.Cd("/", "/sd/gcodes")
	if err != nil {
		t.Fatalf("Cd: %v", err)
	}
	if cwd != "/sd/gcodes/" {
		t.Errorf("expected canonical /sd/gcodes/, got %q", cwd)
	}

	if _, err := v.Cd(cwd, "nonexistent"); err == nil {
		t.Errorf("expected error cd'ing into nonexistent directory")
	}
}

func TestCatMissingAndDirectory(t *testing.T) {
	v := Load("testdata/layout.json")

	if _, err := v.Cat("/", "/sd/nope.txt", 0); err == nil {
		t.Errorf("expected error for missing file")
	}
	if _, err := v.Cat("/", "/sd/gcodes", 0); err == nil {
		t.Errorf("expected error cat'ing a directory")
	}
}

func TestCatLimit(t *testing.T) {
	v := Load("testdata/layout.json")

	out, err := v.Cat("/", "/sd/gcodes/sample2.nc", 2)
	if err != nil {
		t.Fatalf("Cat: %v", err)
	}
	lines := strings.Count(string(out), "\n")
	if lines != 2 {
		t.Errorf("expected 2 lines, got %d: %q", lines, out)
	}
}

func TestMvRenameAndIntoDirectory(t *testing.T) {
	v := Load("testdata/layout.json")

	if err := v.Mv("/", "/sd/config.txt", "/sd/config2.txt"); err != nil {
		t.Fatalf("Mv rename: %v", err)
	}
	if _, err := v.Cat("/", "/sd/config2.txt", 0); err != nil {
		t.Fatalf("expected renamed file to exist: %v", err)
	}

	if err := v.Mv("/", "/sd/config2.txt", "/sd/gcodes"); err != nil {
		t.Fatalf("Mv into dir: %v", err)
	}
	if _, err := v.Cat("/", "/sd/gcodes/config2.txt", 0); err != nil {
		t.Fatalf("expected file moved into directory: %v", err)
	}
}

func TestRmRefusesDirectory(t *testing.T) {
	v := Load("testdata/layout.json")

	if err := v.Rm("/", "/sd/gcodes"); err == nil {
		t.Errorf("expected error removing a directory with rm")
	}
	if err := v.Rm("/", "/sd/config.txt"); err != nil {
		t.Fatalf("Rm: %v", err)
	}
	if _, err := v.Cat("/", "/sd/config.txt", 0); err == nil {
		t.Errorf("expected file to be gone after rm")
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	v := New()

	payload := bytes.Repeat([]byte{0xAB, 0xCD}, 10000) // 20000 bytes
	e, err := v.UploadAccept("/", "/sd/x.bin", payload)
	if err != nil {
		t.Fatalf("UploadAccept: %v", err)
	}
	sum := md5.Sum(payload)
	want := hex.EncodeToString(sum[:])
	if e.MD5 != want {
		t.Fatalf("md5 mismatch on upload: got %s want %s", e.MD5, want)
	}
	if e.Size != int64(len(payload)) {
		t.Fatalf("size mismatch: got %d want %d", e.Size, len(payload))
	}

	data, md5sum, err := v.DownloadFetch("/", "/sd/x.bin")
	if err != nil {
		t.Fatalf("DownloadFetch: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("downloaded bytes differ from uploaded bytes")
	}
	if md5sum != want {
		t.Fatalf("download md5 mismatch: got %s want %s", md5sum, want)
	}
}

func TestLoadMissingFileYieldsEmptyVFS(t *testing.T) {
	v := Load("testdata/does-not-exist.json")

	out, err := v.List("/", "/", false)
	if err != nil {
		t.Fatalf("List on empty vfs: %v", err)
	}
	// only /sd and /ud mounts should be present
	if !strings.Contains(out, "sd/") || !strings.Contains(out, "ud/") {
		t.Errorf("expected default mounts on empty vfs, got %q", out)
	}
}

func TestPathCanonicalization(t *testing.T) {
	v := New()
	if err := v.Mkdir("/", "//sd//weird/../weird2/./"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	out, err := v.List("/", "/sd", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !strings.Contains(out, "weird2/") {
		t.Errorf("expected canonicalized weird2/, got %q", out)
	}
	if strings.Contains(out, "..") || strings.Contains(out, "weird/") {
		t.Errorf("path was not canonicalized: %q", out)
	}
}
