package msgport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	headers := []Header{
		{Length: HeaderSize, RequestID: 1, ResponseTo: NoResponse, Opcode: 0},
		{Length: 1024, RequestID: 42, ResponseTo: 7, Opcode: 2004},
		{Length: DefaultMaxMessageSize, RequestID: -5, ResponseTo: 0, Opcode: 1},
	}

	for _, want := range headers {
		var b [HeaderSize]byte
		want.encode(b[:])
		require.Equal(t, want, decodeHeader(b[:]))
	}
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		length int32
		max    int32
		ok     bool
	}{
		{"smaller than header", HeaderSize - 1, DefaultMaxMessageSize, false},
		{"zero", 0, DefaultMaxMessageSize, false},
		{"negative", -7, DefaultMaxMessageSize, false},
		{"exactly header size", HeaderSize, DefaultMaxMessageSize, true},
		{"exactly max", 64, 64, true},
		{"above max", 65, 64, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Header{Length: tt.length}.validate(tt.max)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidLength)
			}
		})
	}
}

func TestNewMessage(t *testing.T) {
	payload := []byte("hello wire")
	m := NewMessage(2004, payload)

	require.Equal(t, HeaderSize+len(payload), m.Length())
	require.Equal(t, int32(2004), m.Opcode())
	require.Equal(t, int32(0), m.ID())
	require.Equal(t, int32(0), m.ResponseTo())
	require.Equal(t, payload, m.Body())
	require.Len(t, m.Bytes(), HeaderSize+len(payload))
}

func TestMessageBufferRounding(t *testing.T) {
	m := NewMessage(1, make([]byte, 100))

	// Logical length is exact, backing capacity lands on the 1024 boundary.
	require.Equal(t, HeaderSize+100, len(m.buf))
	require.Equal(t, 1024, cap(m.buf))
}

func TestRoundUpAlloc(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 0},
		{1, 1024},
		{16, 1024},
		{1024, 1024},
		{1025, 2048},
		{4096, 4096},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, roundUpAlloc(tt.in), "roundUpAlloc(%d)", tt.in)
	}
}
