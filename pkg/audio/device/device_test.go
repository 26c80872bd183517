package device

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestDecodeF32LE(t *testing.T) {
	in := []float32{0, 0.5, -1, 0.25}
	b := make([]byte, len(in)*4+2) // trailing partial sample is ignored
	for i, v := range in {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	got := DecodeF32LE(b)
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], in[i])
		}
	}
}

func TestPCMQueue_ReadWrite(t *testing.T) {
	q := newPCMQueue()
	q.Write([]byte{1, 2, 3, 4})

	p := make([]byte, 3)
	n, err := q.Read(p)
	if err != nil || n != 3 || p[2] != 3 {
		t.Fatalf("Read = %d, %v, %v", n, err, p)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	q.Reset()
	if q.Len() != 0 {
		t.Fatal("Reset should drop queued audio")
	}
}

func TestPCMQueue_BlocksUntilWriteThenSilenceAfterClose(t *testing.T) {
	q := newPCMQueue()
	got := make(chan int, 1)
	go func() {
		n, _ := q.Read(make([]byte, 8))
		got <- n
	}()

	select {
	case <-got:
		t.Fatal("Read returned before data was written")
	case <-time.After(20 * time.Millisecond):
	}
	q.Write([]byte{9, 9})
	if n := <-got; n != 2 {
		t.Fatalf("Read = %d, want 2", n)
	}

	q.Close()
	p := []byte{7, 7, 7}
	n, err := q.Read(p)
	if err != nil || n != 3 || p[0] != 0 {
		t.Fatalf("Read after close = %d, %v, %v; want silence", n, err, p)
	}
}
