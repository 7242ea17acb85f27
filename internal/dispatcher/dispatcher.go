// Copyright 2015-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package dispatcher resolves one framed command token against the
// command catalog, consults or mutates the virtual filesystem and the
// XMODEM engine where the command requires it, shapes the reply per
// the descriptor's flags, and returns it for the caller to write -- the same
// lookup-then-shape-then-log shape as pkg/minicli's Process, adapted
// from a trie of subcommands to a flat table of wire tokens.
package dispatcher

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sandia-minimega/cncd/internal/catalog"
	"github.com/sandia-minimega/cncd/internal/vfs"
	"github.com/sandia-minimega/cncd/internal/xmodem"
	log "github.com/sandia-minimega/cncd/pkg/minilog"
)

const eot = 0x04

var fsCommands = map[string]struct{}{
	"ls": {}, "pwd": {}, "cd": {}, "cat": {}, "mv": {}, "rm": {}, "mkdir": {},
}

// Conn is what the dispatcher needs from the connection to hand it off
// to the XMODEM engine for upload/download. Replies are returned from
// Dispatch, not written through it.
type Conn interface {
	xmodem.Conn
}

// Clock anchors the server-wide "time" command. Real Carvera firmware
// has a single shared RTC, not one per USB/telnet session, so the
// anchor lives here rather than in per-connection state -- resolving
// the design's open question about scope in favor of one shared clock.
type Clock struct {
	mu        sync.Mutex
	anchor    int64
	setAt     time.Time
	hasAnchor bool
}

// NewClock returns a Clock with no anchor set; Now returns the current
// wall-clock epoch until Set is called.
func NewClock() *Clock {
	return &Clock{}
}

// Set stamps the anchor epoch and the monotonic instant it was set at.
func (c *Clock) Set(epoch int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchor = epoch
	c.setAt = time.Now()
	c.hasAnchor = true
}

// Now returns the plausibly-advancing anchored epoch: the last
// anchor plus the monotonic delta since it was set, so repeated
// queries advance without depending on an external clock beyond the
// one reading taken at set-time.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasAnchor {
		return time.Now().Unix()
	}
	return c.anchor + int64(time.Since(c.setAt).Seconds())
}

// Session is the per-connection state the dispatcher threads through
// explicitly -- no hidden process-wide current directory.
type Session struct {
	CWD          string
	LastActivity time.Time
}

// Dispatcher ties a catalog, a VFS, and a clock together to process
// framed command tokens for any number of connections.
type Dispatcher struct {
	cat   *catalog.Catalog
	fs    *vfs.VFS
	clock *Clock
}

// New builds a Dispatcher over the given catalog, filesystem, and
// shared clock.
func New(cat *catalog.Catalog, fs *vfs.VFS, clock *Clock) *Dispatcher {
	return &Dispatcher{cat: cat, fs: fs, clock: clock}
}

// Dispatch resolves tok, performs any side effects, sleeps for the
// descriptor's effective delay, and returns the fully shaped reply
// bytes to write to the connection. c is used only when tok is
// "upload" or "download", to hand the connection to the XMODEM engine.
func (d *Dispatcher) Dispatch(sess *Session, c Conn, tok string) []byte {
	sess.LastActivity = time.Now()

	cmd, arg := splitCommand(tok)
	desc := d.cat.Lookup(cmd)

	if desc == nil {
		log.Info("RECV %q", tok)
		reply := []byte("error:unsupported command\n")
		log.Info("SEND %q", reply)
		return reply
	}

	logRecv(desc, tok)

	body, isErr := d.resolveBody(sess, c, cmd, arg, desc)

	time.Sleep(time.Duration(desc.EffectiveDelayMS()) * time.Millisecond)

	reply := shapeReply(desc, body, isErr)
	logSend(desc, reply)

	sess.LastActivity = time.Now()
	return reply
}

func splitCommand(tok string) (cmd, arg string) {
	tok = strings.TrimSpace(tok)
	i := strings.IndexAny(tok, " \t")
	if i < 0 {
		return tok, ""
	}
	return tok[:i], strings.TrimSpace(tok[i+1:])
}

// resolveBody returns the unshaped response body (without trailing
// newline, ok, or EOT) and whether it represents an error.
func (d *Dispatcher) resolveBody(sess *Session, c Conn, cmd, arg string, desc *catalog.Descriptor) (string, bool) {
	normalized := strings.ToLower(cmd)

	switch {
	case normalized == "upload":
		return d.handleUpload(sess, c, arg)
	case normalized == "download":
		return d.handleDownload(sess, c, arg)
	case normalized == "time":
		return d.handleTime(arg)
	case isFSCommand(normalized):
		return d.handleFS(sess, normalized, arg)
	default:
		return desc.Response, false
	}
}

func isFSCommand(cmd string) bool {
	_, ok := fsCommands[cmd]
	return ok
}

func (d *Dispatcher) handleFS(sess *Session, cmd, arg string) (string, bool) {
	switch cmd {
	case "pwd":
		return sess.CWD, false

	case "ls":
		path, withSizes := arg, false
		if fields := strings.Fields(arg); len(fields) > 0 {
			path = fields[0]
		}
		out, err := d.fs.List(sess.CWD, orDot(path), withSizes)
		if err != nil {
			return fmt.Sprintf("error:%v", err), true
		}
		return out, false

	case "cd":
		if arg == "" {
			return "error:cd requires a path", true
		}
		newCWD, err := d.fs.Cd(sess.CWD, arg)
		if err != nil {
			return fmt.Sprintf("error:%v", err), true
		}
		sess.CWD = newCWD
		return "ok", false

	case "cat":
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return "error:cat requires a path", true
		}
		limit := 0
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				limit = n
			}
		}
		out, err := d.fs.Cat(sess.CWD, fields[0], limit)
		if err != nil {
			return fmt.Sprintf("error:%v", err), true
		}
		return string(out), false

	case "mv":
		fields := strings.Fields(arg)
		if len(fields) < 2 {
			return "error:mv requires src and dst", true
		}
		if err := d.fs.Mv(sess.CWD, fields[0], fields[1]); err != nil {
			return fmt.Sprintf("error:%v", err), true
		}
		return "ok", false

	case "rm":
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return "error:rm requires a path", true
		}
		if err := d.fs.Rm(sess.CWD, fields[0]); err != nil {
			return fmt.Sprintf("error:%v", err), true
		}
		return "ok", false

	case "mkdir":
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return "error:mkdir requires a path", true
		}
		if err := d.fs.Mkdir(sess.CWD, fields[0]); err != nil {
			return fmt.Sprintf("error:%v", err), true
		}
		return "ok", false
	}

	return "error:unsupported command", true
}

func orDot(p string) string {
	if p == "" {
		return "."
	}
	return p
}

func (d *Dispatcher) handleTime(arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return fmt.Sprintf("%d", d.clock.Now()), false
	}

	arg = strings.TrimPrefix(arg, "=")
	arg = strings.TrimSpace(arg)
	epoch, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return "error:invalid epoch", true
	}
	d.clock.Set(epoch)
	return "", false
}

func (d *Dispatcher) handleUpload(sess *Session, c Conn, arg string) (string, bool) {
	path := strings.Fields(arg)
	target := ""
	if len(path) > 0 {
		target = path[0]
	}

	result, err := xmodem.Receive(c)
	if err != nil {
		log.Error("xmodem receive failed: %v", err)
		return "error:transfer failed", true
	}
	if !result.MD5Match {
		return "error:md5 mismatch", true
	}

	if target == "" {
		target = result.Meta.Filename
	}

	if _, err := d.fs.UploadAccept(sess.CWD, target, result.Data); err != nil {
		return fmt.Sprintf("error:%v", err), true
	}

	return "", false
}

func (d *Dispatcher) handleDownload(sess *Session, c Conn, arg string) (string, bool) {
	path := strings.Fields(arg)
	if len(path) == 0 {
		return "error:download requires a path", true
	}

	data, md5sum, err := d.fs.DownloadFetch(sess.CWD, path[0])
	if err != nil {
		return fmt.Sprintf("error:%v", err), true
	}

	meta := xmodem.Metadata{Filename: path[0], MD5: md5sum, Length: int64(len(data))}
	if _, err := xmodem.Send(c, meta, data); err != nil {
		log.Error("xmodem send failed: %v", err)
		return "error:transfer failed", true
	}

	return "", false
}

// shapeReply composes response, optional "ok\n", and optional EOT byte
// per the descriptor's flags.
func shapeReply(desc *catalog.Descriptor, body string, isErr bool) []byte {
	var buf bytes.Buffer

	if body != "" {
		buf.WriteString(body)
		buf.WriteByte('\n')
	}

	if desc.SendsOK && !isErr {
		buf.WriteString("ok\n")
	}

	if desc.EOTTerminated {
		buf.WriteByte(eot)
	}

	return buf.Bytes()
}

func logRecv(desc *catalog.Descriptor, tok string) {
	if desc.DebugOutputOnly {
		log.Debug("RECV %q", tok)
	} else {
		log.Info("RECV %q", tok)
	}
}

func logSend(desc *catalog.Descriptor, reply []byte) {
	msg := strings.ReplaceAll(string(reply), "\n", "\n    ")
	if desc.DebugOutputOnly {
		log.Debug("SEND %q", msg)
	} else {
		log.Info("SEND %q", msg)
	}
}
