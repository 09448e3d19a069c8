package room

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/rubigo/screenshare-sfu/internal/rtc"
)

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Peer is one peer connection held by a room. Its context is cancelled
// when the peer is closed or its parent context ends, and cancellation
// closes the connection.
type Peer struct {
	ID   string
	Role Role
	Conn *webrtc.PeerConnection

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// track is the outgoing track a viewer is attached to.
	track *webrtc.TrackLocalStaticRTP
	// mediaSSRC is the SSRC of a broadcaster's inbound video.
	mediaSSRC atomic.Uint32
}

// NewPeer binds conn to a context derived from parent. conn may be nil in
// tests that only exercise room bookkeeping.
func NewPeer(parent context.Context, role Role, conn *webrtc.PeerConnection) *Peer {
	ctx, cancel := context.WithCancel(parent)
	p := &Peer{
		ID:     uuid.NewString(),
		Role:   role,
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	context.AfterFunc(ctx, p.closeConn)
	return p
}

func (p *Peer) Context() context.Context { return p.ctx }

func (p *Peer) Done() <-chan struct{} { return p.ctx.Done() }

// Close cancels the peer's context and closes its connection. It is safe
// to call more than once.
func (p *Peer) Close() {
	p.cancel()
	p.closeConn()
}

func (p *Peer) closeConn() {
	p.closeOnce.Do(func() {
		if p.Conn != nil {
			_ = p.Conn.Close()
		}
	})
}

func (p *Peer) SetMediaSSRC(ssrc uint32) {
	p.mediaSSRC.Store(ssrc)
}

// RequestKeyframe asks the broadcaster behind p for a fresh keyframe.
func (p *Peer) RequestKeyframe() error {
	return rtc.RequestKeyframe(p.Conn, p.mediaSSRC.Load())
}
