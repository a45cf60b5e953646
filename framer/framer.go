// Package framer extracts one logical message at a time from a byte stream
// using a protocol-specific delimiter (spec §4.1).
package framer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
)

// Mode selects the delimiter strategy.
type Mode int

const (
	// ModeXML scans for the literal "</event>" token (CoT XML, the default
	// for TAK TLS endpoints per §4.3).
	ModeXML Mode = iota
	// ModeNewline scans for 0x0A; the frame excludes the trailing newline.
	ModeNewline
	// ModeLengthPrefixed reads a 4-byte big-endian uint32 length followed by
	// exactly that many payload bytes.
	ModeLengthPrefixed
	// ModeVarint reads a standard 1-10 byte unsigned varint length (the same
	// encoding TAK Protocol v1 Stream mode uses for its own envelope prefix,
	// §6) followed by exactly that many payload bytes. §4.1 enumerates three
	// modes for CoT XML/mesh framing; this fourth mode is added to give
	// Stream-mode TCP endpoints a Framer mode of their own rather than
	// special-casing them outside the Framer abstraction — see DESIGN.md.
	ModeVarint
)

const eventEndToken = "</event>"

// DefaultMaxFrameSize is the default oversize cutoff (§4.1).
const DefaultMaxFrameSize = 10 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned when a frame would exceed MaxSize; the
	// caller should close the offending socket (§7, Frame.TooLarge).
	ErrFrameTooLarge = errors.New("framer: frame exceeds max size")
	// ErrTruncatedFrame is returned when the stream ends mid-frame (§7,
	// Frame.Truncated) — a "short EOF" as distinct from a clean one.
	ErrTruncatedFrame = errors.New("framer: truncated frame at EOF")
	// ErrInvalidVarint is returned when a ModeVarint length prefix exceeds
	// the 10-byte standard varint bound without terminating.
	ErrInvalidVarint = errors.New("framer: invalid varint length prefix")
)

// Stats holds the counters §4.1 calls for ("record bytes-received on each
// complete frame").
type Stats struct {
	FramesReceived atomic.Uint64
	BytesReceived  atomic.Uint64
	Resyncs        atomic.Uint64
}

// Framer pulls successive frames out of a single byte stream. Not safe for
// concurrent use — per §5, a Framer belongs to exactly one socket's reader
// task, which is what gives per-endpoint wire-order preservation.
type Framer struct {
	scanner *bufio.Scanner
	stats   Stats
	log     *slog.Logger
}

// New constructs a Framer over r using mode, rejecting any frame larger than
// maxSize (use DefaultMaxFrameSize if unsure). log may be nil.
func New(r io.Reader, mode Mode, maxSize int, log *slog.Logger) *Framer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	f := &Framer{log: log}
	f.scanner = bufio.NewScanner(r)
	f.scanner.Buffer(make([]byte, 0, 64*1024), maxSize)
	f.scanner.Split(f.splitFunc(mode, maxSize))
	return f
}

func (f *Framer) splitFunc(mode Mode, maxSize int) bufio.SplitFunc {
	switch mode {
	case ModeNewline:
		return f.splitNewline(maxSize)
	case ModeLengthPrefixed:
		return f.splitLengthPrefixed(maxSize)
	case ModeVarint:
		return f.splitVarint(maxSize)
	default:
		return f.splitXML(maxSize)
	}
}

// Next returns the next complete frame. Returns io.EOF on clean end of
// stream, ErrTruncatedFrame on short EOF, ErrFrameTooLarge on oversize.
func (f *Framer) Next() ([]byte, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	tok := f.scanner.Bytes()
	frame := make([]byte, len(tok))
	copy(frame, tok)
	f.stats.FramesReceived.Add(1)
	f.stats.BytesReceived.Add(uint64(len(frame)))
	return frame, nil
}

// StatsSnapshot returns a snapshot of the frame/byte/resync counters.
func (f *Framer) StatsSnapshot() (frames, bytesReceived, resyncs uint64) {
	return f.stats.FramesReceived.Load(), f.stats.BytesReceived.Load(), f.stats.Resyncs.Load()
}

func (f *Framer) splitXML(maxSize int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if len(data) == 0 {
			return 0, nil, nil
		}
		if data[0] != '<' {
			idx := bytes.IndexByte(data, '<')
			if idx < 0 {
				f.stats.Resyncs.Add(1)
				f.log.Warn("framer: resync, no '<' found, dropping buffer", "dropped", len(data))
				return len(data), nil, nil
			}
			f.stats.Resyncs.Add(1)
			f.log.Warn("framer: resync, dropping leading junk before '<'", "dropped", idx)
			return idx, nil, nil
		}
		if idx := bytes.Index(data, []byte(eventEndToken)); idx >= 0 {
			end := idx + len(eventEndToken)
			if end > maxSize {
				return 0, nil, ErrFrameTooLarge
			}
			return end, data[:end], nil
		}
		if len(data) > maxSize {
			return 0, nil, ErrFrameTooLarge
		}
		if atEOF {
			if len(data) > 0 {
				return 0, nil, ErrTruncatedFrame
			}
			return 0, nil, nil
		}
		return 0, nil, nil
	}
}

func (f *Framer) splitNewline(maxSize int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			if idx > maxSize {
				return 0, nil, ErrFrameTooLarge
			}
			return idx + 1, data[:idx], nil
		}
		if len(data) > maxSize {
			return 0, nil, ErrFrameTooLarge
		}
		if atEOF {
			if len(data) > 0 {
				return 0, nil, ErrTruncatedFrame
			}
			return 0, nil, nil
		}
		return 0, nil, nil
	}
}

func (f *Framer) splitLengthPrefixed(maxSize int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if len(data) < 4 {
			if atEOF {
				if len(data) > 0 {
					return 0, nil, ErrTruncatedFrame
				}
				return 0, nil, nil
			}
			return 0, nil, nil
		}
		length := binary.BigEndian.Uint32(data[:4])
		if length > uint32(maxSize) {
			return 0, nil, ErrFrameTooLarge
		}
		total := 4 + int(length)
		if len(data) < total {
			if atEOF {
				return 0, nil, ErrTruncatedFrame
			}
			return 0, nil, nil
		}
		return total, data[4:total], nil
	}
}

func (f *Framer) splitVarint(maxSize int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		var length uint64
		var shift uint
		limit := len(data)
		if limit > 10 {
			limit = 10
		}
		for i := 0; i < limit; i++ {
			b := data[i]
			length |= uint64(b&0x7f) << shift
			if b&0x80 == 0 {
				hdrLen := i + 1
				if length > uint64(maxSize) {
					return 0, nil, ErrFrameTooLarge
				}
				total := hdrLen + int(length)
				if len(data) < total {
					if atEOF {
						return 0, nil, ErrTruncatedFrame
					}
					return 0, nil, nil
				}
				return total, data[hdrLen:total], nil
			}
			shift += 7
		}
		if len(data) >= 10 {
			return 0, nil, ErrInvalidVarint
		}
		if atEOF {
			if len(data) > 0 {
				return 0, nil, ErrTruncatedFrame
			}
			return 0, nil, nil
		}
		return 0, nil, nil
	}
}
