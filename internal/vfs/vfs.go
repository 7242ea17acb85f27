// Copyright 2015-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package vfs implements the in-memory, POSIX-like namespace shared by
// every connection: an absolute-path-to-entry map guarded by a single
// mutex, in the spirit of internal/ron's clientLock-guarded maps --
// per-op work here is trivial compared to the network I/O surrounding
// it, so one coarse lock is sufficient.
package vfs

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sandia-minimega/cncd/pkg/minilog"
)

const timestampLayout = "20060102150405"

// Entry is one node in the namespace: a file or a directory.
type Entry struct {
	Path            string
	Size            int64 // -1 for directories
	Contents        []byte
	MD5             string
	Timestamp       string
	ParsedTimestamp time.Time
}

func (e *Entry) isDir() bool {
	return e.Size == -1
}

func (e *Entry) name() string {
	p := strings.TrimSuffix(e.Path, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// VFS is the process-wide virtual filesystem.
type VFS struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New returns a VFS seeded with the root and its two mounts. Carvera firmware exposes
// /sd (the SD card) and /ud (a writable user-data overlay) as the two
// top-level mounts, so those are always present even on an empty VFS --
// this mirrors how ron's responsePath always has a directory to write
// into rather than requiring every caller to MkdirAll defensively.
func New() *VFS {
	v := &VFS{entries: make(map[string]*Entry)}
	v.mkdirNoLock("/")
	v.mkdirNoLock("/sd/")
	v.mkdirNoLock("/ud/")
	return v
}

func (v *VFS) mkdirNoLock(p string) *Entry {
	p = canonicalDir(p)
	if e, ok := v.entries[p]; ok {
		return e
	}
	now := time.Now()
	e := &Entry{
		Path:            p,
		Size:            -1,
		Timestamp:       now.Format(timestampLayout),
		ParsedTimestamp: now,
	}
	v.entries[p] = e
	return e
}

// canonicalDir normalizes a directory path: absolute, no "." or "..",
// no repeated slashes, trailing slash.
func canonicalDir(p string) string {
	p = canonicalFile(p)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// canonicalFile normalizes a file path: absolute, no "." or "..", no
// repeated slashes, no trailing slash (unless it is the root).
func canonicalFile(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	clean := path.Clean(p)
	if clean == "." {
		clean = "/"
	}
	return clean
}

// resolve joins a possibly-relative input path against cwd and
// canonicalizes the result.
func resolve(cwd, p string) string {
	if p == "" {
		p = "."
	}
	if !strings.HasPrefix(p, "/") {
		p = strings.TrimSuffix(cwd, "/") + "/" + p
	}
	return canonicalFile(p)
}

func parentOf(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i] + "/"
}

// List enumerates the direct children of path, one per line. Files
// render as "name" (or "name size" if withSizes); directories render
// as "name/" (or "name/ -1").
func (v *VFS) List(cwd, p string, withSizes bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	dir := canonicalDir(resolve(cwd, p))

	e, ok := v.entries[dir]
	if !ok || !e.isDir() {
		return "", fmt.Errorf("%s not found", strings.TrimSuffix(dir, "/"))
	}

	var names []string
	for k, child := range v.entries {
		if k == dir {
			continue
		}
		if parentOf(k) != dir {
			continue
		}
		name := child.name()
		if child.isDir() {
			name += "/"
		}
		if withSizes {
			name = fmt.Sprintf("%s %d", name, child.Size)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return strings.Join(names, "\n"), nil
}

// Cd returns the canonical form of path if it names an existing
// directory, else an error.
func (v *VFS) Cd(cwd, p string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	dir := canonicalDir(resolve(cwd, p))
	e, ok := v.entries[dir]
	if !ok || !e.isDir() {
		return "", fmt.Errorf("%s not found", strings.TrimSuffix(dir, "/"))
	}
	return dir, nil
}

// Cat returns file contents, or just the first limit lines if limit > 0.
func (v *VFS) Cat(cwd, p string, limit int) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fp := canonicalFile(resolve(cwd, p))
	e, ok := v.entries[fp]
	if !ok {
		return nil, fmt.Errorf("%s not found", fp)
	}
	if e.isDir() {
		return nil, fmt.Errorf("%s is a directory", fp)
	}

	if limit <= 0 {
		return e.Contents, nil
	}

	lines := strings.SplitAfter(string(e.Contents), "\n")
	if len(lines) > limit {
		lines = lines[:limit]
	}
	return []byte(strings.Join(lines, "")), nil
}

// Mv moves or renames a file. If dst names an existing directory, src
// is moved into it, preserving its basename; otherwise dst is treated
// as the new full path (a rename). Timestamps are preserved.
func (v *VFS) Mv(cwd, src, dst string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	sp := canonicalFile(resolve(cwd, src))
	e, ok := v.entries[sp]
	if !ok {
		return fmt.Errorf("%s not found", sp)
	}

	dp := canonicalFile(resolve(cwd, dst))
	if target, ok := v.entries[canonicalDir(dp)]; ok && target.isDir() {
		dp = canonicalDir(dp) + e.name()
	}

	if _, exists := v.entries[dp]; exists {
		return fmt.Errorf("already exists")
	}

	delete(v.entries, sp)
	e.Path = dp
	v.entries[dp] = e

	return nil
}

// Rm removes a file entry. Directories are not removed by Rm.
func (v *VFS) Rm(cwd, p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	fp := canonicalFile(resolve(cwd, p))
	e, ok := v.entries[fp]
	if !ok {
		return fmt.Errorf("%s not found", fp)
	}
	if e.isDir() {
		return fmt.Errorf("%s is a directory", fp)
	}

	delete(v.entries, fp)
	return nil
}

// Mkdir creates a directory entry. Errors if the name already exists,
// as either a file or a directory.
func (v *VFS) Mkdir(cwd, p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	dir := canonicalDir(resolve(cwd, p))
	if _, exists := v.entries[dir]; exists {
		return fmt.Errorf("already exists")
	}
	if _, exists := v.entries[canonicalFile(resolve(cwd, p))]; exists {
		return fmt.Errorf("already exists")
	}

	v.mkdirNoLock(dir)
	return nil
}

// UploadAccept atomically installs a file's contents, stamping the
// current time and recording its MD5. Parent directories are created
// implicitly, mirroring how iomeshage's getParts does
// os.MkdirAll(filepath.Dir(fullPath)) before installing a transferred
// file.
func (v *VFS) UploadAccept(cwd, p string, contents []byte) (*Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fp := canonicalFile(resolve(cwd, p))
	if e, exists := v.entries[fp]; exists && e.isDir() {
		return nil, fmt.Errorf("%s is a directory", fp)
	}

	for dir := parentOf(fp); dir != "/"; dir = parentOf(dir) {
		if _, ok := v.entries[dir]; ok {
			break
		}
		v.mkdirNoLock(dir)
	}

	sum := md5.Sum(contents)
	now := time.Now()
	e := &Entry{
		Path:            fp,
		Size:            int64(len(contents)),
		Contents:        contents,
		MD5:             hex.EncodeToString(sum[:]),
		Timestamp:       now.Format(timestampLayout),
		ParsedTimestamp: now,
	}
	v.entries[fp] = e

	return e, nil
}

// DownloadFetch returns a file's contents and MD5, or an error if it is
// missing or a directory.
func (v *VFS) DownloadFetch(cwd, p string) ([]byte, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fp := canonicalFile(resolve(cwd, p))
	e, ok := v.entries[fp]
	if !ok {
		return nil, "", fmt.Errorf("%s not found", fp)
	}
	if e.isDir() {
		return nil, "", fmt.Errorf("%s is a directory", fp)
	}
	return e.Contents, e.MD5, nil
}

// layoutDoc is the on-disk JSON shape for the canonical VFS layout: a
// flat list of paths, each either a directory (trailing slash, no
// content) or a file (content given inline as a string).
type layoutDoc struct {
	Entries []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"entries"`
}

// Load reads the initial VFS layout from a JSON document. A missing or
// malformed source is not a startup error: it yields an empty VFS with
// only the root mounts, logged at WARN.
func Load(path string) *VFS {
	v := New()

	f, err := os.Open(path)
	if err != nil {
		log.Warn("vfs layout %q unavailable, starting with an empty filesystem: %v", path, err)
		return v
	}
	defer f.Close()

	var doc layoutDoc
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		log.Warn("vfs layout %q malformed, starting with an empty filesystem: %v", path, err)
		return New()
	}

	for _, ent := range doc.Entries {
		if strings.HasSuffix(ent.Path, "/") {
			v.mkdirNoLock(canonicalDir(ent.Path))
			continue
		}
		if _, err := v.UploadAccept("/", ent.Path, []byte(ent.Content)); err != nil {
			log.Warn("vfs layout %q: skipping %q: %v", path, ent.Path, err)
		}
	}

	return v
}
