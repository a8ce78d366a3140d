package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Binary framing constants
const (
	// BinaryFrameMarker starts every binary video frame. 0xFF never begins a valid UTF-8
	// sequence, so a reader can tell a binary header from a text line by its first byte.
	BinaryFrameMarker = 0xFF

	// BinaryHeaderSize is marker(1) + epoch(4) + flags(4) + length(4)
	BinaryHeaderSize = 13

	// FlagKeyFrame is bit 0 of the flags word
	FlagKeyFrame uint32 = 1 << 0

	// DefaultMaxLineBytes bounds a single control line
	DefaultMaxLineBytes = 8192
)

// ErrLineTooLong is returned when a line exceeds the configured maximum length
var ErrLineTooLong = errors.New("line exceeds maximum length")

// BinaryHeader is the decoded form of the 13-byte video frame header
// Layout: [Marker:1][Epoch:4][Flags:4][Length:4], big-endian
type BinaryHeader struct {
	Epoch  uint32
	Flags  uint32
	Length uint32
}

// KeyFrame reports whether the keyframe flag is set
func (h BinaryHeader) KeyFrame() bool {
	return h.Flags&FlagKeyFrame != 0
}

// ReadLine reads one '\n'-terminated UTF-8 line, one byte at a time.
//
// It never wraps r in a buffering reader: the bytes after the terminator may belong
// to a raw payload that the caller reads next with ReadExact. A trailing '\r' is
// stripped. io.EOF is returned only when the stream ends before any byte of the line;
// a partial line at EOF yields io.ErrUnexpectedEOF.
func ReadLine(r io.Reader, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineBytes
	}

	var one [1]byte
	line := make([]byte, 0, 64)
	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if one[0] == '\n' {
			break
		}
		if len(line) >= maxLen {
			return "", fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, maxLen)
		}
		line = append(line, one[0])
	}

	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// WriteLine writes s followed by a single '\n' in one Write call
func WriteLine(w io.Writer, s string) error {
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// ReadExact blocks until exactly n bytes are read.
// A stream that ends early returns io.ErrUnexpectedEOF (or io.EOF if nothing was read).
func ReadExact(r io.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// AppendBinaryHeader appends the 13-byte video frame header to dst
func AppendBinaryHeader(dst []byte, epoch uint32, keyframe bool, length int) []byte {
	var flags uint32
	if keyframe {
		flags |= FlagKeyFrame
	}
	dst = append(dst, BinaryFrameMarker)
	dst = binary.BigEndian.AppendUint32(dst, epoch)
	dst = binary.BigEndian.AppendUint32(dst, flags)
	dst = binary.BigEndian.AppendUint32(dst, uint32(length))
	return dst
}

// WriteBinaryFrame writes header and payload as a single Write call.
// Callers serialize access to w with the connection's write lock.
func WriteBinaryFrame(w io.Writer, epoch uint32, keyframe bool, payload []byte) error {
	buf := make([]byte, 0, BinaryHeaderSize+len(payload))
	buf = AppendBinaryHeader(buf, epoch, keyframe, len(payload))
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write binary frame: %w", err)
	}
	return nil
}

// ParseBinaryHeader decodes a 13-byte header, including its marker byte
func ParseBinaryHeader(data []byte) (BinaryHeader, error) {
	if len(data) < BinaryHeaderSize {
		return BinaryHeader{}, fmt.Errorf("binary header too short: expected %d bytes, got %d",
			BinaryHeaderSize, len(data))
	}
	if data[0] != BinaryFrameMarker {
		return BinaryHeader{}, fmt.Errorf("invalid binary marker: 0x%02x", data[0])
	}
	return BinaryHeader{
		Epoch:  binary.BigEndian.Uint32(data[1:5]),
		Flags:  binary.BigEndian.Uint32(data[5:9]),
		Length: binary.BigEndian.Uint32(data[9:13]),
	}, nil
}

// String returns a human-readable representation of the header
func (h BinaryHeader) String() string {
	return fmt.Sprintf("BinaryHeader{Epoch:%d, Key:%t, Len:%d}", h.Epoch, h.KeyFrame(), h.Length)
}
