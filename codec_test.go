package vsockmux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strconv"
	"testing"
)

func TestCodec_RoundTrip(t *testing.T) {
	codec := NewCodec(0)

	payloads := [][]byte{
		{},
		[]byte("PING"),
		bytes.Repeat([]byte{0xab}, DefaultMaxFrameSize),
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		if err := codec.WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame(%d bytes) failed: %v", len(p), err)
		}
	}

	for _, want := range payloads {
		frame, err := codec.Decode(&buf)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if frame.Length() != len(want) {
			t.Errorf("Length() = %d, want %d", frame.Length(), len(want))
		}
		if !bytes.Equal(frame.Payload(), want) {
			t.Errorf("payload mismatch for %d-byte frame", len(want))
		}
	}

	if buf.Len() != 0 {
		t.Errorf("%d bytes left over", buf.Len())
	}
}

func TestCodec_Encode_Layout(t *testing.T) {
	data, err := NewCodec(0).Encode([]byte("PING"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := []byte{0, 0, 0, 4, 'P', 'I', 'N', 'G'}
	if !bytes.Equal(data, want) {
		t.Errorf("Encode = %v, want %v", data, want)
	}
}

func TestCodec_PayloadTooLarge(t *testing.T) {
	codec := NewCodec(16)

	var buf bytes.Buffer
	err := codec.WriteFrame(&buf, make([]byte, 17))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes written for rejected payload", buf.Len())
	}

	// The boundary itself is accepted
	if err := codec.WriteFrame(&buf, make([]byte, 16)); err != nil {
		t.Errorf("WriteFrame at limit failed: %v", err)
	}
}

func TestCodec_FrameTooLarge(t *testing.T) {
	codec := NewCodec(1024)

	var buf bytes.Buffer
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 1025)
	buf.Write(header[:])

	_, err := codec.Decode(&buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if Kind(err) != "FrameTooLarge" {
		t.Errorf("Kind = %q, want FrameTooLarge", Kind(err))
	}
}

func TestCodec_FrameTooLarge_MaxDeclaredLength(t *testing.T) {
	// 0xFFFFFFFF must be rejected without allocating
	r := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})

	_, err := NewCodec(0).Decode(r)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestCodec_Decode_Truncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "partial header", data: []byte{0, 0}},
		{name: "partial payload", data: []byte{0, 0, 0, 5, 'a', 'b'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCodec(0).Decode(bytes.NewReader(tt.data))
			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("expected ErrConnectionClosed, got %v", err)
			}
		})
	}
}

// slowReader returns at most one byte per Read.
type slowReader struct {
	r io.Reader
}

func (s slowReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return s.r.Read(p)
}

func TestCodec_Decode_FragmentedStream(t *testing.T) {
	data, err := NewCodec(0).Encode([]byte("fragmented"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	frame, err := NewCodec(0).Decode(slowReader{r: bytes.NewReader(data)})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(frame.Payload()) != "fragmented" {
		t.Errorf("payload = %q, want fragmented", frame.Payload())
	}
}

func TestNewCodec_Defaults(t *testing.T) {
	if got := NewCodec(0).MaxFrameSize(); got != DefaultMaxFrameSize {
		t.Errorf("MaxFrameSize() = %d, want %d", got, DefaultMaxFrameSize)
	}
	if got := NewCodec(-1).MaxFrameSize(); got != DefaultMaxFrameSize {
		t.Errorf("MaxFrameSize() = %d, want %d", got, DefaultMaxFrameSize)
	}
	if got := NewCodec(10).MaxFrameSize(); got != 10 {
		t.Errorf("MaxFrameSize() = %d, want 10", got)
	}
}

func TestNewCodec_ClampsToLengthPrefix(t *testing.T) {
	if strconv.IntSize == 32 {
		t.Skip("int cannot exceed the length prefix")
	}

	got := NewCodec(int(aboveLengthPrefix)).MaxFrameSize()
	if uint64(got) != math.MaxUint32 {
		t.Errorf("MaxFrameSize() = %d, want %d", got, uint64(math.MaxUint32))
	}
}

func TestNewFrame_Copies(t *testing.T) {
	payload := []byte("abc")
	frame := NewFrame(payload)
	payload[0] = 'x'

	if string(frame.Payload()) != "abc" {
		t.Errorf("payload = %q, want abc", frame.Payload())
	}
}
