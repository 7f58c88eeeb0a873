package relay

import (
	"encoding/json"
	"fmt"
)

// Kind enumerates every event name that can appear on the wire.
type Kind uint8

const (
	KindUnknown Kind = iota

	// Control surface actions, forwarded to displays.
	KindCharacterHover
	KindCharacterClick
	KindCharacterScale
	KindCharacterShake
	KindFixedCharacterControl
	KindSpecialEffect
	KindMusicControl

	// Legacy image paths, forwarded to displays.
	KindImageReplace
	KindImageSimple
	KindImageStart
	KindImageChunk
	KindImageComplete

	// Handled by the relay itself.
	KindRegister
	KindUploadMetadata
	KindUploadChunk
	KindPing
	KindTestEvent

	// Originated by the relay only.
	KindClientCount
	KindUploadAck
	KindUploadError
	KindUploadComplete
	KindBinaryMetadata
	KindBinaryData
	KindPong
	KindTestResponse
	KindError

	kindCount
)

var kindNames = [kindCount]string{
	KindUnknown:               "",
	KindCharacterHover:        "character-hover",
	KindCharacterClick:        "character-click",
	KindCharacterScale:        "character-scale",
	KindCharacterShake:        "character-shake",
	KindFixedCharacterControl: "fixed-character-control",
	KindSpecialEffect:         "special-effect",
	KindMusicControl:          "music-control",
	KindImageReplace:          "image-replace",
	KindImageSimple:           "image-simple",
	KindImageStart:            "image-start",
	KindImageChunk:            "image-chunk",
	KindImageComplete:         "image-complete",
	KindRegister:              "register",
	KindUploadMetadata:        "file-upload-metadata",
	KindUploadChunk:           "file-upload-chunk",
	KindPing:                  "ping",
	KindTestEvent:             "test-event",
	KindClientCount:           "client-count",
	KindUploadAck:             "file-upload-ack",
	KindUploadError:           "file-upload-error",
	KindUploadComplete:        "file-upload-complete",
	KindBinaryMetadata:        "image-replace-binary-metadata",
	KindBinaryData:            "image-replace-binary-data",
	KindPong:                  "pong",
	KindTestResponse:          "test-response",
	KindError:                 "error",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k, name := range kindNames {
		if name != "" {
			m[name] = Kind(k)
		}
	}
	return m
}()

// String returns the wire name of k.
func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a wire name to its Kind, or KindUnknown.
func ParseKind(name string) Kind {
	return kindsByName[name]
}

// route says what the relay does with an inbound event.
type route uint8

const (
	routeUnset      route = iota // zero value; never valid in routes
	routeReject                  // unknown or relay-originated; error to sender
	routeToDisplays              // controller publishes, every display receives
	routeToSender                // handled by the relay, replies go to the sender only
)

// routes is indexed by Kind. Every Kind must have an entry other than
// routeUnset.
var routes = [kindCount]route{
	KindUnknown:               routeReject,
	KindCharacterHover:        routeToDisplays,
	KindCharacterClick:        routeToDisplays,
	KindCharacterScale:        routeToDisplays,
	KindCharacterShake:        routeToDisplays,
	KindFixedCharacterControl: routeToDisplays,
	KindSpecialEffect:         routeToDisplays,
	KindMusicControl:          routeToDisplays,
	KindImageReplace:          routeToDisplays,
	KindImageSimple:           routeToDisplays,
	KindImageStart:            routeToDisplays,
	KindImageChunk:            routeToDisplays,
	KindImageComplete:         routeToDisplays,
	KindRegister:              routeToSender,
	KindUploadMetadata:        routeToSender,
	KindUploadChunk:           routeToSender,
	KindPing:                  routeToSender,
	KindTestEvent:             routeToSender,
	KindClientCount:           routeReject,
	KindUploadAck:             routeReject,
	KindUploadError:           routeReject,
	KindUploadComplete:        routeReject,
	KindBinaryMetadata:        routeReject,
	KindBinaryData:            routeReject,
	KindPong:                  routeReject,
	KindTestResponse:          routeReject,
	KindError:                 routeReject,
}

// Envelope is the JSON text message format.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a text message for event with data marshalled as JSON.
func Encode(k Kind, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", k, err)
	}
	return json.Marshal(Envelope{Event: k.String(), Data: raw})
}

// Role is the kind of client registered on a connection.
type Role string

const (
	RoleDisplay    Role = "display"
	RoleController Role = "controller"
)

// ClientCount is the payload of client-count.
type ClientCount struct {
	Displays    int `json:"displays"`
	Controllers int `json:"controllers"`
}

// UploadError is the payload of file-upload-error.
type UploadError struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Missing   []int  `json:"missing,omitempty"`
}

// UploadComplete is the payload of file-upload-complete.
type UploadComplete struct {
	SessionID string `json:"sessionId"`
	Filename  string `json:"filename"`
	Filesize  int64  `json:"filesize"`
	Digest    string `json:"digest,omitempty"`
}

// BinaryImage is the payload of image-replace-binary-metadata. The raw
// bytes follow as the next binary message.
type BinaryImage struct {
	Type         string `json:"type"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	Timestamp    int64  `json:"timestamp"`
	UploadMethod string `json:"uploadMethod"`
}

// ImageReplace is the payload of image-replace. Data is Base64 or a data
// URL.
type ImageReplace struct {
	Type         string `json:"type,omitempty"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	Data         string `json:"data"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	UploadMethod string `json:"uploadMethod,omitempty"`
}

// ImageStart is the payload of image-start.
type ImageStart struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size,omitempty"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize,omitempty"`
}

// ImageChunk is the payload of image-chunk; Data is a Base64 fragment.
type ImageChunk struct {
	Filename    string `json:"filename"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
}

// ImageComplete is the payload of image-complete.
type ImageComplete struct {
	Filename string `json:"filename"`
}

// CharacterAction is the payload of the character-* events.
type CharacterAction struct {
	Character string  `json:"character"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
}

// SpecialEffect is the payload of special-effect.
type SpecialEffect struct {
	Type string `json:"type"`
}

// MusicControl is the payload of music-control.
type MusicControl struct {
	Action string `json:"action"`
}

// ErrorPayload is the payload of error.
type ErrorPayload struct {
	Message string `json:"message"`
}

const (
	binaryImageType  = "image_replace_binary"
	imageReplaceType = "image_replace"
	// UploadMethodBinary tags images that arrived over the chunked path.
	UploadMethodBinary = "binary-chunked"
)
