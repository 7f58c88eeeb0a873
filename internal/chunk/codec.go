// Package chunk splits upload payloads into fixed-size chunks and packs each
// chunk together with a small JSON header into a single binary frame.
package chunk

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultSize is the chunk size used by the binary upload path (64 KiB).
const DefaultSize = 64 * 1024

// Delimiter separates the JSON header from the payload in delimited frames.
var Delimiter = []byte("|||")

// lengthPrefixSize is the width of the big-endian header length that leads
// a length-prefixed frame.
const lengthPrefixSize = 4

// maxHeaderSize bounds the header of a length-prefixed frame at 1 MiB. Any
// bound under 16 MiB keeps the first byte of the frame at 0x00, which is how
// UnpackFrame tells the two layouts apart.
const maxHeaderSize = 1 << 20

// Header identifies which session and slot a chunk belongs to.
type Header struct {
	SessionID   string `json:"sessionId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Filename    string `json:"filename"`
}

// FramingError reports a binary frame whose header could not be located or
// parsed.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid chunk frame: %s: %v", e.Reason, e.Err)
	}
	return "invalid chunk frame: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

// ErrDelimiterInHeader is returned by PackDelimited when the encoded header
// itself contains the delimiter.
var ErrDelimiterInHeader = errors.New("chunk header contains frame delimiter")

// Count returns the number of chunks a payload of length n splits into.
// A zero-length payload is one empty chunk.
func Count(n, size int) int {
	if size <= 0 {
		panic("chunk: size must be positive")
	}
	if n == 0 {
		return 1
	}
	return (n + size - 1) / size
}

// Split slices buf into chunks of at most size bytes. Chunk i is
// buf[i*size : min((i+1)*size, len(buf))]. The returned slices alias buf.
func Split(buf []byte, size int) [][]byte {
	n := Count(len(buf), size)
	out := make([][]byte, n)
	for i := range out {
		start := i * size
		end := min(start+size, len(buf))
		out[i] = buf[start:end:end]
	}
	return out
}

// PackFrame encodes a chunk as a length-prefixed frame: a 4-byte big-endian
// header length, the JSON header, then the raw chunk bytes.
func PackFrame(h Header, data []byte) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk header: %w", err)
	}
	frame := make([]byte, lengthPrefixSize+len(hdr)+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(hdr)))
	copy(frame[lengthPrefixSize:], hdr)
	copy(frame[lengthPrefixSize+len(hdr):], data)
	return frame, nil
}

// PackDelimited encodes a chunk the way browser control panels do:
// JSON header, the "|||" delimiter, then the raw chunk bytes.
func PackDelimited(h Header, data []byte) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk header: %w", err)
	}
	if bytes.Contains(hdr, Delimiter) {
		return nil, ErrDelimiterInHeader
	}
	frame := make([]byte, 0, len(hdr)+len(Delimiter)+len(data))
	frame = append(frame, hdr...)
	frame = append(frame, Delimiter...)
	frame = append(frame, data...)
	return frame, nil
}

// UnpackFrame decodes a frame produced by PackFrame or PackDelimited. The
// returned payload aliases frame.
func UnpackFrame(frame []byte) (Header, []byte, error) {
	var h Header
	if len(frame) == 0 {
		return h, nil, &FramingError{Reason: "empty frame"}
	}

	var hdr, payload []byte
	if frame[0] == '{' {
		// The first match is always the header's own delimiter; the payload
		// is never searched.
		i := bytes.Index(frame, Delimiter)
		if i < 0 {
			return h, nil, &FramingError{Reason: "delimiter not found"}
		}
		hdr, payload = frame[:i], frame[i+len(Delimiter):]
	} else {
		if len(frame) < lengthPrefixSize {
			return h, nil, &FramingError{Reason: "short length prefix"}
		}
		n := binary.BigEndian.Uint32(frame)
		if n > maxHeaderSize || int(n) > len(frame)-lengthPrefixSize {
			return h, nil, &FramingError{Reason: fmt.Sprintf("header length %d out of range", n)}
		}
		end := lengthPrefixSize + int(n)
		hdr, payload = frame[lengthPrefixSize:end], frame[end:]
	}

	if err := json.Unmarshal(hdr, &h); err != nil {
		return h, nil, &FramingError{Reason: "malformed header", Err: err}
	}
	return h, payload, nil
}
