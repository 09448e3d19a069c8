// Package testutil builds WebRTC fixtures for tests: client-side offers
// produced by real pion peer connections, local tracks standing in for a
// broadcaster's media, and RTP packets.
//
// Client connections use host candidates only, so no STUN traffic leaves
// the machine. All helpers call t.Fatalf on failure.
package testutil

import (
	"context"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

const gatherTimeout = 10 * time.Second

// PublisherOffer returns a broadcaster offer carrying one VP8 video track.
func PublisherOffer(t TB) string {
	t.Helper()

	pc := newClient(t)
	track := VideoTrack(t)
	if _, err := pc.AddTrack(track); err != nil {
		t.Fatalf("add track: %v", err)
	}
	return gatheredOffer(t, pc)
}

// ViewerOffer returns a viewer offer with one receive-only video section.
func ViewerOffer(t TB) string {
	t.Helper()

	pc := newClient(t)
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	return gatheredOffer(t, pc)
}

// VideoTrack returns an outgoing VP8 track like the one the SFU creates
// when a broadcaster's media arrives.
func VideoTrack(t TB) *webrtc.TrackLocalStaticRTP {
	t.Helper()

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video",
		"screen-share",
	)
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}

// RTPPacket returns a marshalled RTP packet with the given sequence number.
func RTPPacket(t TB, ssrc uint32, sequence uint16, payload []byte) []byte {
	t.Helper()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: sequence,
			Timestamp:      uint32(sequence) * 3000,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := packet.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp: %v", err)
	}
	return raw
}

func newClient(t TB) *webrtc.PeerConnection {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func gatheredOffer(t TB, pc *webrtc.PeerConnection) string {
	t.Helper()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), gatherTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		t.Fatalf("timed out after %v gathering client candidates", gatherTimeout)
	}
	return pc.LocalDescription().SDP
}

// RequireReceive reads one value from ch within timeout, or fails the test.
func RequireReceive[T any](t interface {
	Helper()
	Fatalf(format string, args ...any)
}, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", msg)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
	panic("unreachable")
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %v: %s", timeout, msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
