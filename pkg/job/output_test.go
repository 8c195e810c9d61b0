package job

import (
	"strings"
	"testing"
)

func TestOutputBufferAppend(t *testing.T) {
	b := NewOutputBuffer(64)
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	if b.String() != "hello world" {
		t.Errorf("Expected 'hello world', got %q", b.String())
	}
	if b.Truncated() {
		t.Error("Buffer under the bound must not be truncated")
	}
	if b.Len() != len("hello world") {
		t.Errorf("Expected len %d, got %d", len("hello world"), b.Len())
	}
}

func TestOutputBufferOverflowKeepsTail(t *testing.T) {
	b := NewOutputBuffer(8)
	b.Append([]byte("abcdefgh"))
	b.Append([]byte("ijkl"))

	if !b.Truncated() {
		t.Fatal("Expected truncation after overflow")
	}
	if got := b.String(); got != TruncationMarker+"efghijkl" {
		t.Errorf("Expected marker plus tail, got %q", got)
	}
	if b.Len() != 8 {
		t.Errorf("Expected retained length 8, got %d", b.Len())
	}
}

func TestOutputBufferSingleOversizedAppend(t *testing.T) {
	b := NewOutputBuffer(4)
	b.Append([]byte("0123456789"))

	if got := b.String(); got != TruncationMarker+"6789" {
		t.Errorf("Expected last 4 bytes, got %q", got)
	}
}

func TestOutputBufferMarkerAppearsOnce(t *testing.T) {
	b := NewOutputBuffer(4)
	for i := 0; i < 10; i++ {
		b.Append([]byte("xxxx"))
	}
	if n := strings.Count(b.String(), TruncationMarker); n != 1 {
		t.Errorf("Expected exactly one truncation marker, got %d", n)
	}
}

func TestOutputBufferUnbounded(t *testing.T) {
	b := NewOutputBuffer(0)
	chunk := strings.Repeat("y", 1<<16)
	b.Append([]byte(chunk))
	b.Append([]byte(chunk))

	if b.Len() != 2*len(chunk) {
		t.Errorf("Expected unbounded buffer to keep everything, got %d", b.Len())
	}
	if b.Truncated() {
		t.Error("Unbounded buffer must never truncate")
	}
}

func TestOutputBufferEmptyAppend(t *testing.T) {
	b := NewOutputBuffer(8)
	b.Append(nil)
	b.Append([]byte{})
	if b.Len() != 0 || b.Truncated() {
		t.Error("Empty appends must be no-ops")
	}
}
