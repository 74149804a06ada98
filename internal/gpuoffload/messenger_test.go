package gpuoffload

import (
	"context"
	"testing"
	"time"
)

func TestSlotHeaderRoundTrip(t *testing.T) {
	mem := make([]byte, 64)
	writeSlotHeader(mem, slotHeader{clientFrameID: 99, length: 4096})
	got := readSlotHeader(mem)
	if got.clientFrameID != 99 || got.length != 4096 {
		t.Fatalf("got %+v, want clientFrameID=99 length=4096", got)
	}
}

func TestControlLineRoundTripClearsPriorCommand(t *testing.T) {
	mem := make([]byte, ctrlLineSize)
	writeLine(mem, joinMsg(CmdBatchSubmitUncompressed, 1, 2))
	writeLine(mem, string(CmdBatchShutdown))
	got := parseMsg(readLine(mem))
	if got.command() != CmdBatchShutdown {
		t.Fatalf("got command %q, want %q (a shorter line must not retain trailing bytes from a longer one)", got.command(), CmdBatchShutdown)
	}
}

func TestMsgParsesFieldsInOrder(t *testing.T) {
	p := parseMsg(joinMsg(CmdBatchSubmitCompressed, 7, 3, 20480))
	if p.command() != CmdBatchSubmitCompressed {
		t.Fatalf("got command %q, want %q", p.command(), CmdBatchSubmitCompressed)
	}
	if id, slot, length := p.nextInt(), p.nextInt(), p.nextInt(); id != 7 || slot != 3 || length != 20480 {
		t.Fatalf("got (%d,%d,%d), want (7,3,20480)", id, slot, length)
	}
}

// TestBatchProcessedCompressedTokenPreservesTypo guards against an
// accidental "fix" of grk/messenger.h's own spelling -- the wire contract
// depends on the literal bytes a real helper sends.
func TestBatchProcessedCompressedTokenPreservesTypo(t *testing.T) {
	if CmdBatchProcessedCompressed != "GRK_MSGR_BATCH_PROCESSSED_COMPRESSED" {
		t.Fatalf("got %q, want the literal triple-S token", CmdBatchProcessedCompressed)
	}
	if CmdBatchProcessedUncompressed != "GRK_MSGR_BATCH_PROCESSED_UNCOMPRESSED" {
		t.Fatalf("got %q, want the correctly-spelled uncompressed token", CmdBatchProcessedUncompressed)
	}
}

func newTestMessenger(t *testing.T) *Messenger {
	t.Helper()
	m, err := New(t.TempDir(), WithSlots(4), WithProcessors(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// simulateHelper stands in for the GPU helper process: it drains every
// outbound control line and, for each GRK_MSGR_BATCH_SUBMIT_UNCOMPRESSED,
// "compresses" the frame into a fixed-length payload of compressedLen
// bytes, always reusing compressed slot 0 (single-frame tests never have
// two results outstanding at once).
func simulateHelper(t *testing.T, m *Messenger, compressedLen int) {
	t.Helper()
	for {
		if err := waitReady(context.Background(), m.outReadyPath); err != nil {
			return
		}
		p := parseMsg(readLine(m.ctrlOutMem))
		switch p.command() {
		case CmdBatchImage, CmdBatchCompressInit, CmdBatchFlush, CmdBatchProcessedCompressed:
			continue
		case CmdBatchSubmitUncompressed:
			clientFrameID := p.nextInt()
			uncSlot := p.nextInt()

			const compSlot = int64(0)
			off := int(compSlot) * m.compSlotSize
			writeSlotHeader(m.compMem[off:off+slotHeaderSize], slotHeader{clientFrameID: clientFrameID, length: compressedLen})
			payload := make([]byte, compressedLen)
			for i := range payload {
				payload[i] = byte(i)
			}
			copy(m.compMem[off+slotHeaderSize:], payload)

			writeLine(m.ctrlInMem, joinMsg(CmdBatchProcessedUncompressed, uncSlot))
			if err := postReady(m.inReadyPath); err != nil {
				return
			}
			writeLine(m.ctrlInMem, joinMsg(CmdBatchSubmitCompressed, clientFrameID, compSlot, int64(compressedLen)))
			if err := postReady(m.inReadyPath); err != nil {
				return
			}
		case CmdBatchShutdown:
			writeLine(m.ctrlInMem, string(CmdBatchShutdown))
			_ = postReady(m.inReadyPath)
			return
		}
	}
}

func TestScheduleCollectRoundTrip(t *testing.T) {
	m := newTestMessenger(t)
	compressedLen := MinCompressedSize + 100
	go simulateHelper(t, m, compressedLen)

	if err := m.Init(context.Background(), 1998, 1998*3, 1080, 3, 8, compressedLen, 4); err != nil {
		t.Fatalf("Init: %v", err)
	}
	raw := make([]byte, 1998*3*1080)
	if err := m.Schedule(context.Background(), 7, raw); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	id, data, err := m.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if id != 7 {
		t.Fatalf("got clientFrameID %d, want 7", id)
	}
	if len(data) != compressedLen || data[0] != 0 || data[len(data)-1] != byte(compressedLen-1) {
		t.Fatalf("got %d bytes back, want the same %d-byte compressed payload", len(data), compressedLen)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	stats := m.Stats()
	if stats.Scheduled != 1 || stats.Completed != 1 || stats.Failed != 0 {
		t.Fatalf("got stats %+v, want Scheduled=1 Completed=1 Failed=0", stats)
	}
}

func TestCollectAppliesMinimumCompressedSizeFallback(t *testing.T) {
	m := newTestMessenger(t)
	tooSmall := MinCompressedSize - 1
	go simulateHelper(t, m, tooSmall)

	if err := m.Init(context.Background(), 64, 64*3, 64, 3, 8, MinCompressedSize, 4); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Schedule(context.Background(), 3, make([]byte, 64*3*64)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, _, err := m.Collect(context.Background()); err == nil {
		t.Fatalf("expected Collect to reject a result below MinCompressedSize")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := m.Stats().Failed; got != 1 {
		t.Fatalf("got Failed=%d, want 1", got)
	}
}

// drainOutboundOnly keeps every sendLine call in Init/Schedule from
// blocking forever on the FIFO handshake, without ever answering a submit
// request -- used to exercise Collect's own context timeout.
func drainOutboundOnly(m *Messenger, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := waitReady(ctx, m.outReadyPath)
		cancel()
		if err != nil {
			continue
		}
		_ = readLine(m.ctrlOutMem)
	}
}

func TestCollectTimesOutWithoutAResponse(t *testing.T) {
	m := newTestMessenger(t)
	stop := make(chan struct{})
	defer close(stop)
	go drainOutboundOnly(m, stop)

	if err := m.Init(context.Background(), 64, 64*3, 64, 3, 8, MinCompressedSize, 4); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Schedule(context.Background(), 1, make([]byte, 64*3*64)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := m.Collect(ctx); err == nil {
		t.Fatalf("expected Collect to return an error when no response arrives before the context deadline")
	}
}

func TestScheduleRejectsAFrameTooLargeForItsSlot(t *testing.T) {
	m := newTestMessenger(t)
	go simulateHelper(t, m, MinCompressedSize)

	if err := m.Init(context.Background(), 16, 16*3, 16, 3, 8, MinCompressedSize, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	oversized := make([]byte, 16*3*16+1)
	if err := m.Schedule(context.Background(), 1, oversized); err == nil {
		t.Fatalf("expected Schedule to reject a frame larger than the uncompressed slot size")
	}
}
