package file

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("a"),
		bytes.Repeat([]byte{0x42}, 4096),
	}
	for _, payload := range payloads {
		frame, err := EncodeFrame(payload)
		if err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}
		if len(frame) != FrameSize(len(payload)) {
			t.Fatalf("frame size mismatch: got %d, want %d", len(frame), FrameSize(len(payload)))
		}
		got, err := DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload mismatch: got %v, want %v", got, payload)
		}
	}
}

func TestDecodeFrameCRCMismatch(t *testing.T) {
	frame, err := EncodeFrame([]byte("hello"))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	frame[len(frame)-1] ^= 0xFF
	if _, err := DecodeFrame(frame); err != ErrCRCMismatch {
		t.Fatalf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestDecodeFrameTooSmall(t *testing.T) {
	if _, err := DecodeFrame([]byte{1, 2, 3}); err != ErrFrameTooSmall {
		t.Fatalf("expected ErrFrameTooSmall, got %v", err)
	}
}

func TestDecodeFrameLengthMismatch(t *testing.T) {
	frame, err := EncodeFrame([]byte("hello"))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	truncated := frame[:len(frame)-1]
	if _, err := DecodeFrame(truncated); err != ErrFrameTooSmall {
		t.Fatalf("expected ErrFrameTooSmall, got %v", err)
	}
}
