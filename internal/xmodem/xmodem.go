// Copyright 2015-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package xmodem implements the XMODEM-8K file-transfer subprotocol
// used by the mock controller's upload/download commands: SOH/STX
// framed blocks, CRC-16/CCITT or 8-bit-sum integrity, and a textual
// block-0 header carrying the filename and an MD5 digest that the
// dispatcher uses to decide whether an upload actually succeeded.
//
// The engine runs to completion synchronously on whatever goroutine
// calls Send/Receive -- it is blocking by contract, matching real
// hardware. internal/dispatcher calls it inline on the owning
// connection's handler goroutine (one per connection, started by
// internal/connmgr), so that connection stalls while the rest of the
// server keeps servicing other connections, the same division of
// labor as ron's Trunk goroutine-per-duplex-pipe idiom. The engine
// reads and writes the connection directly.
package xmodem

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sandia-minimega/cncd/pkg/minilog"
)

const (
	SOH = 0x01
	STX = 0x02
	EOT = 0x04
	ACK = 0x06
	NAK = 0x15
	CAN = 0x18
	C   = 0x43

	pad = 0x1A

	blockSize8K = 8192

	handshakePolls  = 16
	maxBlockRetries = 10
)

// Mode selects the integrity check used for the transfer, negotiated
// during the handshake.
type Mode int

const (
	CRCMode Mode = iota
	ChecksumMode
)

// Conn is the minimal surface the engine needs from the underlying
// connection: a deadline-capable byte stream. net.Conn satisfies this.
type Conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

// Stats summarizes a completed (or failed) transfer for logging.
type Stats struct {
	Blocks  int
	Retries int
	Bytes   int
}

// Metadata is the block-0 header: filename, MD5 of the full payload,
// and (when known) its length.
type Metadata struct {
	Filename string
	MD5      string
	Length   int64
}

// Result is what a transfer yields to the dispatcher.
type Result struct {
	Meta     Metadata
	Data     []byte
	MD5Match bool
	Stats    Stats
}

func encodeMetadata(meta Metadata, size int) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\x00md5=%s\x00length=%d\x00", meta.Filename, meta.MD5, meta.Length)
	payload := []byte(b.String())
	if len(payload) > size {
		payload = payload[:size]
	}
	for len(payload) < size {
		payload = append(payload, pad)
	}
	return payload
}

func decodeMetadata(payload []byte) Metadata {
	trimmed := bytes.TrimRight(payload, string([]byte{pad, 0}))
	fields := bytes.Split(trimmed, []byte{0})

	var meta Metadata
	for i, f := range fields {
		s := string(f)
		switch {
		case i == 0:
			meta.Filename = s
		case strings.HasPrefix(s, "md5="):
			meta.MD5 = strings.TrimPrefix(s, "md5=")
		case strings.HasPrefix(s, "length="):
			fmt.Sscanf(s, "length=%d", &meta.Length)
		}
	}
	return meta
}

func buildDataPacket(seq byte, payload []byte, mode Mode) []byte {
	mark := byte(STX)
	if len(payload) <= 128 {
		mark = SOH
	}

	packet := make([]byte, 0, 3+len(payload)+2)
	packet = append(packet, mark, seq, 255-seq)
	packet = append(packet, payload...)

	if mode == CRCMode {
		crc := crc16(payload)
		packet = append(packet, byte(crc>>8), byte(crc))
	} else {
		packet = append(packet, checksum8(payload))
	}

	return packet
}

func readByte(c Conn, timeout time.Duration) (byte, error) {
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	var buf [1]byte
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readExact(c Conn, n int, timeout time.Duration) ([]byte, error) {
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Send drives the sender side of the protocol: block 0 metadata, then
// 8192-byte data blocks, then EOT. Used by the "download" command to
// push VFS contents to the client.
func Send(c Conn, meta Metadata, data []byte) (Stats, error) {
	var stats Stats

	mode, err := senderHandshake(c)
	if err != nil {
		return stats, fmt.Errorf("handshake: %w", err)
	}

	metaPacket := buildDataPacket(0, encodeMetadata(meta, blockSize8K), mode)
	if err := sendBlockAndAwaitACK(c, metaPacket, &stats); err != nil {
		return stats, fmt.Errorf("metadata block: %w", err)
	}

	seq := byte(1)
	for offset := 0; offset < len(data); offset += blockSize8K {
		end := offset + blockSize8K
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, blockSize8K)
		n := copy(chunk, data[offset:end])
		for i := n; i < blockSize8K; i++ {
			chunk[i] = pad
		}

		packet := buildDataPacket(seq, chunk, mode)
		if err := sendBlockAndAwaitACK(c, packet, &stats); err != nil {
			return stats, fmt.Errorf("data block %d: %w", seq, err)
		}
		stats.Bytes += n
		seq++
	}

	if err := sendEOT(c, &stats); err != nil {
		return stats, fmt.Errorf("eot: %w", err)
	}

	return stats, nil
}

func senderHandshake(c Conn) (Mode, error) {
	for i := 0; i < handshakePolls; i++ {
		b, err := readByte(c, time.Second)
		if err != nil {
			continue
		}
		switch b {
		case C:
			return CRCMode, nil
		case NAK:
			return ChecksumMode, nil
		}
	}
	return 0, fmt.Errorf("no handshake response after %d polls", handshakePolls)
}

func sendBlockAndAwaitACK(c Conn, packet []byte, stats *Stats) error {
	for attempt := 0; attempt < maxBlockRetries; attempt++ {
		if _, err := c.Write(packet); err != nil {
			return err
		}
		stats.Blocks++

		resp, err := readByte(c, time.Second)
		if err != nil {
			stats.Retries++
			continue
		}
		if resp == ACK {
			return nil
		}
		if resp == CAN {
			return fmt.Errorf("peer cancelled transfer")
		}
		// NAK or garbage: retransmit
		stats.Retries++
	}

	c.Write([]byte{CAN, CAN})
	return fmt.Errorf("exceeded %d retries", maxBlockRetries)
}

func sendEOT(c Conn, stats *Stats) error {
	for attempt := 0; attempt < maxBlockRetries; attempt++ {
		if _, err := c.Write([]byte{EOT}); err != nil {
			return err
		}
		resp, err := readByte(c, time.Second)
		if err != nil {
			stats.Retries++
			continue
		}
		if resp == ACK {
			return nil
		}
		stats.Retries++
	}
	return fmt.Errorf("peer never acked EOT")
}

// Receive drives the receiver side: issue C/NAK polls, accept the
// metadata block, then data blocks until EOT. Used by the "upload"
// command to pull bytes from the client into the VFS.
func Receive(c Conn) (Result, error) {
	var result Result

	mode, first, err := receiverHandshake(c)
	if err != nil {
		return result, fmt.Errorf("handshake: %w", err)
	}

	payload, err := readVerifiedBlock(c, first, 0, mode)
	if err != nil {
		return result, fmt.Errorf("metadata block: %w", err)
	}
	result.Meta = decodeMetadata(payload)

	if err := ack(c); err != nil {
		return result, err
	}

	var buf bytes.Buffer
	expected := byte(1)

	for {
		mark, err := readByte(c, time.Second*2)
		if err != nil {
			return result, fmt.Errorf("waiting for block: %w", err)
		}

		if mark == EOT {
			if err := ack(c); err != nil {
				return result, err
			}
			break
		}
		if mark == CAN {
			return result, fmt.Errorf("peer cancelled transfer")
		}
		if mark != SOH && mark != STX {
			if err := nak(c); err != nil {
				return result, err
			}
			continue
		}

		payload, seq, ok := readAndVerifyDataBlock(c, mark, mode)
		if !ok {
			if err := nak(c); err != nil {
				return result, err
			}
			continue
		}

		switch {
		case seq == expected:
			buf.Write(payload)
			result.Stats.Blocks++
			result.Stats.Bytes += len(payload)
			expected++
			if err := ack(c); err != nil {
				return result, err
			}
		case seq == expected-1:
			// duplicate retransmit of the last accepted block
			if err := ack(c); err != nil {
				return result, err
			}
		default:
			if err := nak(c); err != nil {
				return result, err
			}
		}
	}

	data := buf.Bytes()
	if result.Meta.Length > 0 && int64(len(data)) >= result.Meta.Length {
		data = data[:result.Meta.Length]
	} else {
		data = bytes.TrimRight(data, string([]byte{pad}))
	}
	result.Data = data

	sum := md5.Sum(data)
	result.MD5Match = result.Meta.MD5 != "" && hex.EncodeToString(sum[:]) == strings.ToLower(result.Meta.MD5)

	if log.WillLog(log.DEBUG) {
		log.Debug("xmodem receive complete: %d bytes, %d blocks, md5Match=%v", len(data), result.Stats.Blocks, result.MD5Match)
	}

	return result, nil
}

// receiverHandshake sends C (requesting CRC mode) every second, falling
// back to NAK (requesting checksum mode) if the peer never responds to
// the C polls. Returns the negotiated mode and the first block-marker
// byte that arrived so the caller doesn't have to re-read it.
func receiverHandshake(c Conn) (Mode, byte, error) {
	mode := CRCMode

	for i := 0; i < handshakePolls; i++ {
		poll := byte(C)
		if i >= handshakePolls/2 {
			mode = ChecksumMode
			poll = NAK
		}

		if _, err := c.Write([]byte{poll}); err != nil {
			return 0, 0, err
		}

		b, err := readByte(c, time.Second)
		if err != nil {
			continue
		}
		if b == SOH || b == STX {
			return mode, b, nil
		}
	}

	return 0, 0, fmt.Errorf("no data after %d polls", handshakePolls)
}

// readVerifiedBlock reads the remainder of a block whose marker byte
// has already been consumed and returns the verified payload for the
// given expected sequence. A corrupt block or an unexpected sequence
// number is returned as an error at once; no NAK is sent and no
// retransmit is awaited.
func readVerifiedBlock(c Conn, mark byte, expectedSeq byte, mode Mode) ([]byte, error) {
	payload, seq, ok := readAndVerifyDataBlock(c, mark, mode)
	if !ok || seq != expectedSeq {
		return nil, fmt.Errorf("corrupt or unexpected block (seq=%d ok=%v)", seq, ok)
	}
	return payload, nil
}

func blockPayloadSize(mark byte) int {
	if mark == SOH {
		return 128
	}
	return blockSize8K
}

// readAndVerifyDataBlock reads seq, complement, payload, and trailer
// for a block whose marker has already been read, verifying the
// complement and checksum/CRC. ok is false on any verification failure.
func readAndVerifyDataBlock(c Conn, mark byte, mode Mode) (payload []byte, seq byte, ok bool) {
	size := blockPayloadSize(mark)
	trailerLen := 1
	if mode == CRCMode {
		trailerLen = 2
	}

	hdr, err := readExact(c, 2+size+trailerLen, time.Second*2)
	if err != nil {
		return nil, 0, false
	}

	seq = hdr[0]
	comp := hdr[1]
	payload = hdr[2 : 2+size]
	trailer := hdr[2+size:]

	if comp != 255-seq {
		return nil, seq, false
	}

	if mode == CRCMode {
		want := crc16(payload)
		got := uint16(trailer[0])<<8 | uint16(trailer[1])
		if got != want {
			return nil, seq, false
		}
	} else {
		if trailer[0] != checksum8(payload) {
			return nil, seq, false
		}
	}

	return payload, seq, true
}

func ack(c Conn) error {
	_, err := c.Write([]byte{ACK})
	return err
}

func nak(c Conn) error {
	_, err := c.Write([]byte{NAK})
	return err
}
