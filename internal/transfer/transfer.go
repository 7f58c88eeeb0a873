// Package transfer implements both ends of the chunked upload protocol: the
// sender state machine run by control clients and the per-connection session
// store held by the relay.
package transfer

import (
	"encoding/hex"
	"errors"
	"slices"

	"golang.org/x/crypto/sha3"
)

const (
	// MaxDirectSize caps whole-file and legacy Base64 uploads.
	MaxDirectSize = 10 * 1024 * 1024
	// MaxBinarySize caps the binary chunked upload path.
	MaxBinarySize = 50 * 1024 * 1024
	// MetadataAckIndex is the chunk index the relay uses to acknowledge a
	// metadata message.
	MetadataAckIndex = -1
)

// SupportedTypes is the MIME allow-list shared by uploaders and displays.
var SupportedTypes = []string{"image/png", "image/gif", "image/jpeg", "image/webp"}

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrSessionNotFound = errors.New("session not found")
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	ErrInvalidMetadata = errors.New("invalid upload metadata")
	ErrSessionTimeout  = errors.New("session timed out")
	ErrMalformedAck    = errors.New("malformed upload ack")
)

// Supported reports whether mimeType is on the allow-list.
func Supported(mimeType string) bool {
	return slices.Contains(SupportedTypes, mimeType)
}

// Metadata describes one upload attempt. It is the payload of
// file-upload-metadata.
type Metadata struct {
	SessionID   string `json:"sessionId"`
	Filename    string `json:"filename"`
	Filesize    int64  `json:"filesize"`
	TotalChunks int    `json:"totalChunks"`
	MimeType    string `json:"mimeType"`
	ChunkSize   int    `json:"chunkSize,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Ack is the payload of file-upload-ack.
type Ack struct {
	SessionID  string `json:"sessionId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// Upload is a fully reassembled file.
type Upload struct {
	Metadata
	Data []byte
}

// Digest returns the hex SHA3-256 of the upload's bytes.
func (u *Upload) Digest() string {
	sum := sha3.Sum256(u.Data)
	return hex.EncodeToString(sum[:])
}
