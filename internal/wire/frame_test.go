package wire

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := []byte("hello frame")

	go func() {
		if err := WriteFrame(client, payload); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	r := NewFrameReader(server, MaxFrameLen)
	got, err := r.ReadFrame(0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got, payload)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		// A frame declaring more than MaxHandshakeFrameLen bytes of payload.
		_ = WriteFrame(client, bytes.Repeat([]byte{0}, MaxHandshakeFrameLen+1))
	}()

	r := NewFrameReader(server, MaxHandshakeFrameLen)
	if _, err := r.ReadFrame(0); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	if err := WriteFrame(client, bytes.Repeat([]byte{0}, MaxFrameLen+1)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTimeoutThenResume(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	r := NewFrameReader(server, MaxFrameLen)

	// No data in flight: a short timeout should produce ErrReadTimeout
	// without corrupting the reader's internal length-prefix state.
	if _, err := r.ReadFrame(10 * time.Millisecond); err != ErrReadTimeout {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}

	payload := []byte("resumed after timeout")
	go func() {
		if err := WriteFrame(client, payload); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	got, err := r.ReadFrame(0)
	if err != nil {
		t.Fatalf("ReadFrame after timeout: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got, payload)
	}
}

func TestReadFrameEOFOnClosedConn(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	client.Close()

	r := NewFrameReader(server, MaxFrameLen)
	if _, err := r.ReadFrame(0); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestSetMaxLenAppliesToNextFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	r := NewFrameReader(server, MaxHandshakeFrameLen)
	r.SetMaxLen(MaxFrameLen)

	payload := bytes.Repeat([]byte{0xAB}, MaxHandshakeFrameLen+10)
	go func() {
		if err := WriteFrame(client, payload); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	got, err := r.ReadFrame(0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch after raising max length")
	}
}
