package chunk

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestSplit_RoundTrip(t *testing.T) {
	const size = 1024
	for _, n := range []int{0, 1, size - 1, size, size + 1, 3*1024*1024 + 17} {
		buf := randomBytes(t, n)
		parts := Split(buf, size)

		require.Len(t, parts, Count(n, size), "length %d", n)
		assert.True(t, bytes.Equal(buf, bytes.Join(parts, nil)), "length %d", n)
		for i, p := range parts[:len(parts)-1] {
			assert.Len(t, p, size, "chunk %d of length %d", i, n)
		}
	}
}

func TestSplit_ZeroLengthIsOneEmptyChunk(t *testing.T) {
	parts := Split(nil, DefaultSize)
	require.Len(t, parts, 1)
	assert.Empty(t, parts[0])
}

func TestSplit_Scenario200000(t *testing.T) {
	parts := Split(make([]byte, 200000), DefaultSize)
	require.Len(t, parts, 4)
	assert.Equal(t, []int{65536, 65536, 65536, 3392}, []int{len(parts[0]), len(parts[1]), len(parts[2]), len(parts[3])})
}

func TestSplit_ChunksDoNotShareCapacity(t *testing.T) {
	buf := []byte("abcdef")
	parts := Split(buf, 2)
	parts[0] = append(parts[0], 'X')
	assert.Equal(t, "abcdef", string(buf))
}

func TestPackFrame_RoundTrip(t *testing.T) {
	h := Header{SessionID: "s-1", ChunkIndex: 3, TotalChunks: 7, Filename: "character1.png"}
	// Payload deliberately contains the delimiter.
	data := append([]byte("xx|||yy"), randomBytes(t, 100)...)

	frame, err := PackFrame(h, data)
	require.NoError(t, err)
	assert.Equal(t, byte(0), frame[0])

	got, payload, err := UnpackFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, data, payload)
}

func TestPackDelimited_RoundTrip(t *testing.T) {
	h := Header{SessionID: "abc", ChunkIndex: 0, TotalChunks: 1, Filename: "walking-left-2.gif"}
	data := []byte("payload|||with delimiter")

	frame, err := PackDelimited(h, data)
	require.NoError(t, err)
	assert.Equal(t, byte('{'), frame[0])

	got, payload, err := UnpackFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, data, payload)
}

func TestPackDelimited_EmptyPayload(t *testing.T) {
	frame, err := PackDelimited(Header{SessionID: "z", TotalChunks: 1}, nil)
	require.NoError(t, err)

	_, payload, err := UnpackFrame(frame)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestPackDelimited_RejectsDelimiterInHeader(t *testing.T) {
	_, err := PackDelimited(Header{SessionID: "a", Filename: "bad|||name.png"}, []byte{1})
	assert.ErrorIs(t, err, ErrDelimiterInHeader)
}

func TestUnpackFrame_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"no delimiter", []byte(`{"sessionId":"a"}payload`)},
		{"bad json", []byte(`{"sessionId":|||payload`)},
		{"short prefix", []byte{0, 0}},
		{"prefix past end", []byte{0, 0, 0, 200, '{', '}'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := UnpackFrame(tt.frame)
			var fe *FramingError
			require.True(t, errors.As(err, &fe), "got %v", err)
		})
	}
}
