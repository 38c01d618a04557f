package audio

import (
	"testing"

	applerrors "github.com/jarvin-ai/listener/internal/errors"
)

func TestOnSamplesAccumulatesIntoExactChunks(t *testing.T) {
	s := NewSource(16000, 4)

	s.onSamples([]int16{1, 2})
	select {
	case <-s.frames:
		t.Fatal("should not emit a frame before chunk is full")
	default:
	}

	s.onSamples([]int16{3, 4, 5, 6})
	select {
	case f := <-s.frames:
		want := []int16{1, 2, 3, 4}
		for i, v := range want {
			if f[i] != v {
				t.Errorf("frame[%d] = %d, want %d", i, f[i], v)
			}
		}
	default:
		t.Fatal("expected a completed frame")
	}

	// remaining 2 samples stay buffered
	if len(s.accum) != 2 {
		t.Errorf("accum length = %d, want 2", len(s.accum))
	}
}

func TestReadFrameAfterStopDrainsThenEndsStream(t *testing.T) {
	s := NewSource(16000, 2)
	s.frames <- []int16{1, 2}
	s.Stop()

	f, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v, want buffered frame first", err)
	}
	if len(f.Data) != 2 {
		t.Errorf("frame length = %d, want 2", len(f.Data))
	}

	_, err = s.ReadFrame()
	if !applerrors.IsCode(err, applerrors.Cancelled) {
		t.Errorf("ReadFrame() after drain = %v, want Cancelled", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewSource(16000, 2)
	s.Stop()
	s.Stop() // must not panic on double-close
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewSource(16000, 2)
	s.Close()
	s.Close() // must not panic without a device
}

func TestBytesToInt16LittleEndian(t *testing.T) {
	b := []byte{0x01, 0x00, 0xFF, 0xFF}
	got := bytesToInt16(b)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0] != 1 {
		t.Errorf("got[0] = %d, want 1", got[0])
	}
	if got[1] != -1 {
		t.Errorf("got[1] = %d, want -1", got[1])
	}
}
