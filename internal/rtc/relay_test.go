package rtc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"

	"github.com/rubigo/screenshare-sfu/internal/testutil"
)

// queueReader returns queued packets in order, then err.
type queueReader struct {
	packets [][]byte
	err     error
}

func (q *queueReader) Read(b []byte) (int, interceptor.Attributes, error) {
	if len(q.packets) == 0 {
		return 0, nil, q.err
	}
	n := copy(b, q.packets[0])
	q.packets = q.packets[1:]
	return n, nil, nil
}

// blockingReader blocks in Read until its read deadline is moved.
type blockingReader struct {
	mu       sync.Mutex
	deadline chan struct{}
}

func newBlockingReader() *blockingReader {
	return &blockingReader{deadline: make(chan struct{})}
}

func (b *blockingReader) Read([]byte) (int, interceptor.Attributes, error) {
	<-b.deadline
	return 0, nil, os.ErrDeadlineExceeded
}

func (b *blockingReader) SetReadDeadline(time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.deadline:
	default:
		close(b.deadline)
	}
	return nil
}

// flakyWriter records writes and rejects every write whose index is in fail.
type flakyWriter struct {
	fail    map[int]bool
	calls   int
	written [][]byte
}

func (w *flakyWriter) Write(b []byte) (int, error) {
	defer func() { w.calls++ }()
	if w.fail[w.calls] {
		return 0, io.ErrClosedPipe
	}
	w.written = append(w.written, append([]byte(nil), b...))
	return len(b), nil
}

func TestRelayForwardsVerbatimAndSurvivesWriteErrors(t *testing.T) {
	packets := [][]byte{
		testutil.RTPPacket(t, 1234, 1, []byte{0xde, 0xad}),
		testutil.RTPPacket(t, 1234, 2, []byte{0xbe, 0xef}),
		testutil.RTPPacket(t, 1234, 3, []byte{0x01}),
	}
	src := &queueReader{packets: append([][]byte(nil), packets...), err: io.EOF}
	dst := &flakyWriter{fail: map[int]bool{1: true}}
	var stats RelayStats

	err := Relay(context.Background(), src, dst, &stats)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}

	if len(dst.written) != 2 {
		t.Fatalf("written = %d packets, want 2", len(dst.written))
	}
	if !bytes.Equal(dst.written[0], packets[0]) || !bytes.Equal(dst.written[1], packets[2]) {
		t.Error("forwarded packets differ from source packets")
	}

	snapshot := stats.Snapshot()
	if snapshot.PacketsForwarded != 2 || snapshot.WriteErrors != 1 {
		t.Errorf("snapshot = %+v", snapshot)
	}
	if snapshot.BytesForwarded != uint64(len(packets[0])+len(packets[2])) {
		t.Errorf("bytes = %d", snapshot.BytesForwarded)
	}
	if snapshot.SSRC != 1234 || snapshot.LastSequence != 3 {
		t.Errorf("ssrc/seq = %d/%d, want 1234/3", snapshot.SSRC, snapshot.LastSequence)
	}
}

func TestRelayForwardsUnparseablePackets(t *testing.T) {
	src := &queueReader{packets: [][]byte{{0x00}}, err: io.EOF}
	dst := &flakyWriter{}
	var stats RelayStats

	_ = Relay(context.Background(), src, dst, &stats)
	if len(dst.written) != 1 || stats.Snapshot().SSRC != 0 {
		t.Errorf("written = %v, snapshot = %+v", dst.written, stats.Snapshot())
	}
}

func TestRelayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := newBlockingReader()
	var stats RelayStats

	done := make(chan error, 1)
	go func() { done <- Relay(ctx, src, &flakyWriter{}, &stats) }()

	cancel()
	err := testutil.RequireReceive(t, done, 5*time.Second, "relay did not stop after cancel")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDrainRTCPReportsKeyframeRequests(t *testing.T) {
	pli, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 1}})
	if err != nil {
		t.Fatal(err)
	}
	fir, err := rtcp.Marshal([]rtcp.Packet{&rtcp.FullIntraRequest{MediaSSRC: 1}})
	if err != nil {
		t.Fatal(err)
	}
	receiverReport, err := rtcp.Marshal([]rtcp.Packet{&rtcp.ReceiverReport{SSRC: 2}})
	if err != nil {
		t.Fatal(err)
	}

	src := &queueReader{
		packets: [][]byte{pli, receiverReport, {0xff}, fir},
		err:     io.ErrClosedPipe,
	}
	requests := 0
	err = DrainRTCP(context.Background(), src, func() { requests++ })
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("err = %v, want io.ErrClosedPipe", err)
	}
	if requests != 2 {
		t.Errorf("keyframe requests = %d, want 2", requests)
	}
}

func TestDrainRTCPStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := newBlockingReader()

	done := make(chan error, 1)
	go func() { done <- DrainRTCP(ctx, src, nil) }()

	cancel()
	err := testutil.RequireReceive(t, done, 5*time.Second, "drain did not stop after cancel")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRequestKeyframeWithoutMedia(t *testing.T) {
	if err := RequestKeyframe(nil, 1); !errors.Is(err, errNoMedia) {
		t.Errorf("err = %v, want errNoMedia", err)
	}
}
