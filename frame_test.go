package cryptowire

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func TestEncodeDecodeLength_Scenarios(t *testing.T) {
	cases := []struct {
		n    uint64
		want [5]byte
	}{
		{0, [5]byte{0, 0, 0, 0, 0}},
		{1, [5]byte{0, 0, 0, 0, 1}},
		{255, [5]byte{0, 0, 0, 0, 255}},
		{256, [5]byte{0, 0, 0, 1, 0}},
		{257, [5]byte{0, 0, 0, 1, 1}},
		{4311810305, [5]byte{1, 1, 1, 1, 1}},
		{4328719365, [5]byte{1, 2, 3, 4, 5}},
		{47362409218, [5]byte{11, 7, 5, 3, 2}},
		{1099511627775, [5]byte{255, 255, 255, 255, 255}},
	}
	for _, tc := range cases {
		got, err := EncodeLength(tc.n)
		if err != nil {
			t.Fatalf("EncodeLength(%d): %v", tc.n, err)
		}
		if got != tc.want {
			t.Errorf("EncodeLength(%d) = %v, want %v", tc.n, got, tc.want)
		}
		if back := DecodeLength(got); back != tc.n {
			t.Errorf("DecodeLength(encode(%d)) = %d, want %d", tc.n, back, tc.n)
		}
	}
}

func TestEncodeLength_RoundTripUniverse(t *testing.T) {
	samples := []uint64{0, 1, 2, 1 << 8, 1 << 16, 1 << 24, 1 << 32, 1 << 39, maxFrameLength}
	for _, n := range samples {
		enc, err := EncodeLength(n)
		if err != nil {
			t.Fatalf("EncodeLength(%d): %v", n, err)
		}
		if DecodeLength(enc) != n {
			t.Errorf("round trip failed for %d", n)
		}
	}
}

func TestEncodeLength_TooLarge(t *testing.T) {
	if _, err := EncodeLength(maxFrameLength + 1); err == nil {
		t.Fatal("expected an error encoding a value above 2^40-1")
	}
}

func TestDecodeLength_TotalOverAllInputs(t *testing.T) {
	// Spot check a handful of arbitrary byte patterns; decoding must
	// never panic or error since it is defined as total.
	patterns := [][5]byte{
		{0xff, 0x00, 0xff, 0x00, 0xff},
		{0x00, 0x00, 0x00, 0x00, 0x00},
		{0xff, 0xff, 0xff, 0xff, 0xff},
	}
	for _, p := range patterns {
		_ = DecodeLength(p)
	}
}

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	payload := []byte("hello cryptowire")

	errc := make(chan error, 1)
	go func() { errc <- WriteFrame(c1, payload) }()

	got, err := ReadFrame(c2)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestWriteReadFrame_EmptyPayload(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errc := make(chan error, 1)
	go func() { errc <- WriteFrame(c1, nil) }()

	got, err := ReadFrame(c2)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %q, want empty", got)
	}
}

func TestReadFrame_OrderlyShutdownSurfacesEOF(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	c1.Close()

	_, err := ReadFrame(c2)
	if err != io.EOF && err != io.ErrClosedPipe {
		t.Fatalf("expected EOF-like error on closed connection, got %v", err)
	}
}
