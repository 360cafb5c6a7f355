package ringbuf

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
)

func TestNewCapacity(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		wantErr  error
	}{
		{"Normal", 4096, nil},
		{"One", 1, nil},
		{"Zero", 0, ErrInvalidCapacity},
		{"Negative", -1, ErrInvalidCapacity},
		{"AtMax", MaxCapacity, ErrInvalidCapacity},
		{"AboveMax", MaxCapacity + 1, ErrInvalidCapacity},
		{"Unallocatable", MaxCapacity - 1, ErrOutOfMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.capacity)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if r != nil {
					t.Fatalf("expected nil ring buffer on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if r.Cap() != tt.capacity {
				t.Fatalf("expected capacity %d, got %d", tt.capacity, r.Cap())
			}
			if r.Len() != 0 || r.Avail() != r.Cap() {
				t.Fatalf("expected empty buffer, got len=%d avail=%d", r.Len(), r.Avail())
			}
			if r.head != 0 || r.tail != 0 {
				t.Fatalf("expected head=tail=0, got head=%d tail=%d", r.head, r.tail)
			}
		})
	}
}

func TestWriteZeroBytes(t *testing.T) {
	r := newTestRing(t, 4)
	mustWriteRing(t, r, []byte("ab"))

	n, err := r.Write(nil)
	if n != 0 || err != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", n, err)
	}
	expectState(t, r, 2, 0, 2)

	fillRing(t, r)
	n, err = r.Write([]byte{})
	if n != 0 || err != nil {
		t.Fatalf("expected (0, nil) on full buffer, got (%d, %v)", n, err)
	}
}

func TestReadEmpty(t *testing.T) {
	r := newTestRing(t, 4)

	buf := make([]byte, 4)
	if n := r.Read(buf); n != 0 {
		t.Fatalf("expected 0 bytes from empty buffer, got %d", n)
	}
	expectState(t, r, 0, 0, 0)

	mustWriteRing(t, r, []byte("ab"))
	if n := r.Read(nil); n != 0 {
		t.Fatalf("expected 0 bytes for zero-length read, got %d", n)
	}
	expectState(t, r, 2, 0, 2)
}

func TestWriteOutOfSpace(t *testing.T) {
	r := newTestRing(t, 3)
	fillRing(t, r)

	n, err := r.Write([]byte("x"))
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes written, got %d", n)
	}
	expectState(t, r, 3, 0, 0)
	if !r.Full() || r.Empty() {
		t.Fatalf("expected full buffer")
	}
}

func TestShortWrite(t *testing.T) {
	r := newTestRing(t, 8)
	mustWriteRing(t, r, []byte("abc"))

	n, err := r.Write([]byte("0123456789"))
	if err != nil {
		t.Fatalf("short write must not fail: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}

	buf := make([]byte, 16)
	got := r.Read(buf)
	if got != 8 {
		t.Fatalf("expected to drain 8 bytes, got %d", got)
	}
	if !bytes.Equal(buf[:got], []byte("abc01234")) {
		t.Fatalf("expected %q, got %q", "abc01234", buf[:got])
	}
	if r.Read(buf) != 0 {
		t.Fatalf("expected buffer to be empty")
	}
}

func TestWrapAroundSplitWrite(t *testing.T) {
	r := newTestRing(t, 8)

	mustWriteRing(t, r, []byte("abcdef"))
	expectState(t, r, 6, 0, 6)

	buf := make([]byte, 4)
	if n := r.Read(buf); n != 4 {
		t.Fatalf("expected to read 4 bytes, got %d", n)
	}
	expectState(t, r, 2, 4, 6)

	mustWriteRing(t, r, []byte("12345"))
	expectState(t, r, 7, 4, 3)

	if !bytes.Equal(r.data[6:8], []byte("12")) {
		t.Fatalf("expected first segment %q at 6..7, got %q", "12", r.data[6:8])
	}
	if !bytes.Equal(r.data[0:3], []byte("345")) {
		t.Fatalf("expected second segment %q at 0..2, got %q", "345", r.data[0:3])
	}

	out := make([]byte, 7)
	if n := r.Read(out); n != 7 {
		t.Fatalf("expected to read 7 bytes, got %d", n)
	}
	if string(out) != "ef12345" {
		t.Fatalf("expected %q, got %q", "ef12345", out)
	}
	expectState(t, r, 0, 3, 3)
}

func TestOffsetsWrapToZero(t *testing.T) {
	r := newTestRing(t, 4)

	mustWriteRing(t, r, []byte("abcd"))
	expectState(t, r, 4, 0, 0)

	buf := make([]byte, 4)
	if n := r.Read(buf); n != 4 {
		t.Fatalf("expected to read 4 bytes, got %d", n)
	}
	expectState(t, r, 0, 0, 0)

	mustWriteRing(t, r, []byte("ab"))
	r.Read(buf[:2])
	mustWriteRing(t, r, []byte("cd"))
	expectState(t, r, 2, 2, 0)
}

func TestReset(t *testing.T) {
	r := newTestRing(t, 4)
	mustWriteRing(t, r, []byte("abc"))
	r.Read(make([]byte, 1))

	r.Reset()
	expectState(t, r, 0, 0, 0)
	if r.Avail() != 4 {
		t.Fatalf("expected full capacity available, got %d", r.Avail())
	}
}

func TestRandomOperationsFIFO(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	r := newTestRing(t, 37)

	var want, got bytes.Buffer
	next := byte(0)
	for range 10000 {
		if rng.IntN(2) == 0 {
			chunk := make([]byte, rng.IntN(50))
			for i := range chunk {
				chunk[i] = next
				next++
			}
			before := r.Avail()
			n, err := r.Write(chunk)
			switch {
			case len(chunk) == 0:
				if n != 0 || err != nil {
					t.Fatalf("zero write returned (%d, %v)", n, err)
				}
			case before == 0:
				if !errors.Is(err, ErrOutOfSpace) {
					t.Fatalf("expected ErrOutOfSpace, got %v", err)
				}
			default:
				if err != nil || n != min(len(chunk), before) {
					t.Fatalf("write returned (%d, %v), avail was %d", n, err, before)
				}
			}
			want.Write(chunk[:n])
			next -= byte(len(chunk) - n)
		} else {
			buf := make([]byte, rng.IntN(50))
			before := r.Len()
			n := r.Read(buf)
			if n != min(len(buf), before) {
				t.Fatalf("read returned %d, len was %d", n, before)
			}
			got.Write(buf[:n])
		}

		if r.Len()+r.Avail() != r.Cap() {
			t.Fatalf("len %d + avail %d != cap %d", r.Len(), r.Avail(), r.Cap())
		}
		if r.head < 0 || r.head >= r.Cap() || r.tail < 0 || r.tail >= r.Cap() {
			t.Fatalf("offsets out of range: head=%d tail=%d", r.head, r.tail)
		}
		if (r.head+r.Len())%r.Cap() != r.tail {
			t.Fatalf("head %d + len %d does not reach tail %d", r.head, r.Len(), r.tail)
		}
	}

	buf := make([]byte, r.Cap())
	got.Write(buf[:r.Read(buf)])

	if !bytes.Equal(want.Bytes(), got.Bytes()) {
		t.Fatalf("bytes read out differ from bytes written in")
	}
}

func newTestRing(t *testing.T, capacity int) *RingBuffer {
	t.Helper()
	r, err := New(capacity)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", capacity, err)
	}
	return r
}

func mustWriteRing(t *testing.T, r *RingBuffer, data []byte) {
	t.Helper()
	n, err := r.Write(data)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected to write %d bytes, wrote %d", len(data), n)
	}
}

func fillRing(t *testing.T, r *RingBuffer) {
	t.Helper()
	mustWriteRing(t, r, make([]byte, r.Avail()))
}

func expectState(t *testing.T, r *RingBuffer, size, head, tail int) {
	t.Helper()
	if r.Len() != size || r.head != head || r.tail != tail {
		t.Fatalf("expected size=%d head=%d tail=%d, got size=%d head=%d tail=%d",
			size, head, tail, r.Len(), r.head, r.tail)
	}
	if r.Len()+r.Avail() != r.Cap() {
		t.Fatalf("len %d + avail %d != cap %d", r.Len(), r.Avail(), r.Cap())
	}
}
