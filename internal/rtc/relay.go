package rtc

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// packetBufferSize fits one packet at a typical Ethernet MTU.
const packetBufferSize = 1500

// PacketReader is satisfied by *webrtc.TrackRemote (RTP) and
// *webrtc.RTPSender (RTCP).
type PacketReader interface {
	Read(b []byte) (int, interceptor.Attributes, error)
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// unblockOnDone forces a pending Read on r to return once ctx is done, when
// r supports read deadlines. The returned func detaches the watcher.
func unblockOnDone(ctx context.Context, r PacketReader) func() bool {
	d, ok := r.(readDeadliner)
	if !ok {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		_ = d.SetReadDeadline(time.Now())
	})
}

// RelayStats counts relay activity for one room. The zero value is ready to
// use; all methods are safe for concurrent use.
type RelayStats struct {
	packets          atomic.Uint64
	bytes            atomic.Uint64
	writeErrors      atomic.Uint64
	keyframeRequests atomic.Uint64
	ssrc             atomic.Uint32
	lastSequence     atomic.Uint32
}

type RelaySnapshot struct {
	PacketsForwarded uint64 `json:"packetsForwarded"`
	BytesForwarded   uint64 `json:"bytesForwarded"`
	WriteErrors      uint64 `json:"writeErrors"`
	KeyframeRequests uint64 `json:"keyframeRequests"`
	SSRC             uint32 `json:"ssrc"`
	LastSequence     uint16 `json:"lastSequence"`
}

func (s *RelayStats) Snapshot() RelaySnapshot {
	return RelaySnapshot{
		PacketsForwarded: s.packets.Load(),
		BytesForwarded:   s.bytes.Load(),
		WriteErrors:      s.writeErrors.Load(),
		KeyframeRequests: s.keyframeRequests.Load(),
		SSRC:             s.ssrc.Load(),
		LastSequence:     uint16(s.lastSequence.Load()),
	}
}

func (s *RelayStats) RecordKeyframeRequest() {
	s.keyframeRequests.Add(1)
}

// Relay copies every packet read from src to dst, byte for byte, until a
// read fails or ctx is done, and returns the error that ended it. Write
// failures are counted and skipped: a track with no attached senders
// rejects writes and the source must still be drained.
func Relay(ctx context.Context, src PacketReader, dst io.Writer, stats *RelayStats) error {
	stop := unblockOnDone(ctx, src)
	defer stop()

	buf := make([]byte, packetBufferSize)
	var header rtp.Header
	for {
		n, _, err := src.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		// Header inspection is for counters only; the payload is
		// forwarded untouched either way.
		if _, parseErr := header.Unmarshal(buf[:n]); parseErr == nil {
			stats.ssrc.Store(header.SSRC)
			stats.lastSequence.Store(uint32(header.SequenceNumber))
		}

		if _, err := dst.Write(buf[:n]); err != nil {
			stats.writeErrors.Add(1)
			continue
		}
		stats.packets.Add(1)
		stats.bytes.Add(uint64(n))
	}
}
