package writer

import (
	"errors"
	"testing"

	"github.com/cth103/dcpomatic-sub004/internal/dcpframe"
)

func TestWriteIsIdempotent(t *testing.T) {
	w := NewMemoryWriter()
	a := dcpframe.EncodedArtifact{Index: 1, Eye: dcpframe.EyeBoth, Data: []byte("first")}
	if err := w.Write(a); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// A retried write for the same (index, eye) must not overwrite the
	// stored data, matching the encoder's after-a-dropped-write retry.
	again := dcpframe.EncodedArtifact{Index: 1, Eye: dcpframe.EyeBoth, Data: []byte("second")}
	if err := w.Write(again); err != nil {
		t.Fatalf("Write (retry): %v", err)
	}
	got, ok := w.Artifact(1, dcpframe.EyeBoth)
	if !ok {
		t.Fatalf("artifact not found after write")
	}
	if string(got) != "first" {
		t.Fatalf("got %q, want the original write to survive ('first')", got)
	}
	if w.Count() != 1 {
		t.Fatalf("got Count()=%d, want 1", w.Count())
	}
}

func TestFakeWriteMarksWrittenWithoutData(t *testing.T) {
	w := NewMemoryWriter()
	if err := w.FakeWrite(5, dcpframe.EyeLeft); err != nil {
		t.Fatalf("FakeWrite: %v", err)
	}
	if !w.Written(5, dcpframe.EyeLeft) {
		t.Fatalf("Written is false after FakeWrite")
	}
	if _, ok := w.Artifact(5, dcpframe.EyeLeft); ok {
		t.Fatalf("Artifact returned data for a fake write")
	}
}

func TestWrittenDistinguishesEyes(t *testing.T) {
	w := NewMemoryWriter()
	if err := w.FakeWrite(1, dcpframe.EyeLeft); err != nil {
		t.Fatalf("FakeWrite: %v", err)
	}
	if w.Written(1, dcpframe.EyeRight) {
		t.Fatalf("Written(1, Right) is true after only FakeWrite(1, Left)")
	}
	if !w.Written(1, dcpframe.EyeLeft) {
		t.Fatalf("Written(1, Left) is false after FakeWrite(1, Left)")
	}
}

func TestFakeWriteDoesNotClobberRealWrite(t *testing.T) {
	w := NewMemoryWriter()
	if err := w.Write(dcpframe.EncodedArtifact{Index: 2, Eye: dcpframe.EyeBoth, Data: []byte("real")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.FakeWrite(2, dcpframe.EyeBoth); err != nil {
		t.Fatalf("FakeWrite: %v", err)
	}
	got, ok := w.Artifact(2, dcpframe.EyeBoth)
	if !ok || string(got) != "real" {
		t.Fatalf("got %q, ok=%v; want the real data to survive a later FakeWrite", got, ok)
	}
}

func TestCanFakeWriteMatchesWritten(t *testing.T) {
	w := NewMemoryWriter()
	if w.CanFakeWrite(9, dcpframe.EyeBoth) {
		t.Fatalf("CanFakeWrite is true before anything written")
	}
	if err := w.Write(dcpframe.EncodedArtifact{Index: 9, Eye: dcpframe.EyeBoth, Data: []byte("x")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !w.CanFakeWrite(9, dcpframe.EyeBoth) {
		t.Fatalf("CanFakeWrite is false after a real write")
	}
}

func TestCanRepeatAndRepeat(t *testing.T) {
	w := NewMemoryWriter()
	if w.CanRepeat(0, dcpframe.EyeBoth) {
		t.Fatalf("CanRepeat(0, ...) is true, want false: no predecessor exists")
	}
	if err := w.Write(dcpframe.EncodedArtifact{Index: 3, Eye: dcpframe.EyeBoth, Data: []byte("frame3")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !w.CanRepeat(4, dcpframe.EyeBoth) {
		t.Fatalf("CanRepeat(4, ...) is false after index 3 is written")
	}
	if err := w.Repeat(4, dcpframe.EyeBoth); err != nil {
		t.Fatalf("Repeat: %v", err)
	}
	got, ok := w.Artifact(4, dcpframe.EyeBoth)
	if !ok || string(got) != "frame3" {
		t.Fatalf("got %q, ok=%v; want Repeat to copy the preceding frame's bytes", got, ok)
	}
}

func TestZombifyBlocksShortcutsButNotWrite(t *testing.T) {
	w := NewMemoryWriter()
	if err := w.Write(dcpframe.EncodedArtifact{Index: 1, Eye: dcpframe.EyeBoth, Data: []byte("a")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Zombify()
	if w.CanFakeWrite(1, dcpframe.EyeBoth) {
		t.Fatalf("CanFakeWrite is true after Zombify")
	}
	if w.CanRepeat(2, dcpframe.EyeBoth) {
		t.Fatalf("CanRepeat is true after Zombify")
	}
	if err := w.Repeat(2, dcpframe.EyeBoth); err != ErrZombified {
		t.Fatalf("Repeat after Zombify: got %v, want ErrZombified", err)
	}
	if err := w.Write(dcpframe.EncodedArtifact{Index: 2, Eye: dcpframe.EyeBoth, Data: []byte("b")}); err != nil {
		t.Fatalf("Write after Zombify must still succeed (shutdown mop-up depends on it): %v", err)
	}
}

func TestRethrowClearsStoredFault(t *testing.T) {
	w := NewMemoryWriter()
	if err := w.Rethrow(); err != nil {
		t.Fatalf("Rethrow on a fresh Writer: got %v, want nil", err)
	}
	fault := errors.New("disk full")
	w.mu.Lock()
	w.lastFault = fault
	w.mu.Unlock()
	if err := w.Rethrow(); err != fault {
		t.Fatalf("Rethrow: got %v, want the stored fault", err)
	}
	if err := w.Rethrow(); err != nil {
		t.Fatalf("second Rethrow: got %v, want nil once the fault is cleared", err)
	}
}

func TestSetEncoderThreadsStoresCount(t *testing.T) {
	w := NewMemoryWriter()
	w.SetEncoderThreads(4)
	w.mu.Lock()
	got := w.encoderThreads
	w.mu.Unlock()
	if got != 4 {
		t.Fatalf("encoderThreads = %d, want 4", got)
	}
}
