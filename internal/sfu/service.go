// Package sfu implements the signaling operations of the screen-share
// relay independently of the transport that carries them: creating rooms,
// accepting a broadcaster's offer, attaching viewers to the broadcaster's
// track, and reporting room status.
//
// Every broadcaster and viewer connection is bound to a context derived
// from the service's own. Cancelling it (connection failure, replacement,
// room deletion or Close) closes the connection and stops the goroutines
// that read from it.
package sfu

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	log "github.com/sirupsen/logrus"

	"github.com/rubigo/screenshare-sfu/internal/room"
	"github.com/rubigo/screenshare-sfu/internal/rtc"
)

// ConnectionFactory builds a fresh peer connection per session.
// *rtc.Factory is the production implementation.
type ConnectionFactory interface {
	NewConnection() (*webrtc.PeerConnection, error)
}

type Options struct {
	// GatherTimeout bounds the wait for ICE gathering per negotiation.
	GatherTimeout time.Duration
	// MaxRoomViewers caps viewers per room; zero means unlimited.
	MaxRoomViewers int
}

// SessionDescription is the wire form of an SDP offer or answer.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type Status struct {
	Exists         bool `json:"exists"`
	HasBroadcaster bool `json:"hasBroadcaster"`
	ViewerCount    int  `json:"viewerCount"`
}

// Session is the outcome of a successful publish or subscribe.
type Session struct {
	Answer SessionDescription
	Peer   *room.Peer
}

type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	factory ConnectionFactory
	rooms   *room.Registry
	opts    Options
	logger  log.FieldLogger

	publishes           atomic.Int64
	subscribes          atomic.Int64
	rejected            atomic.Int64
	negotiationFailures atomic.Int64
	relaysStarted       atomic.Int64
}

func New(factory ConnectionFactory, rooms *room.Registry, opts Options, logger log.FieldLogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		ctx:     ctx,
		cancel:  cancel,
		factory: factory,
		rooms:   rooms,
		opts:    opts,
		logger:  logger,
	}
}

func (s *Service) CreateRoom(id string) (*room.Room, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: roomId required", ErrInvalidRequest)
	}
	return s.rooms.GetOrCreate(id), nil
}

// Publish accepts a broadcaster's offer for roomID, creating the room if
// needed, and returns the answer with all local candidates embedded. The
// broadcaster's media is relayed to viewers once it starts flowing.
func (s *Service) Publish(ctx context.Context, roomID string, desc SessionDescription) (*Session, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: roomId required", ErrInvalidRequest)
	}
	offer, err := rtc.ParseOffer(desc.Type, desc.SDP)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	r := s.rooms.GetOrCreate(roomID)

	pc, err := s.factory.NewConnection()
	if err != nil {
		return nil, s.negotiationFailed(&rtc.NegotiationError{Step: "create peer connection", Err: err})
	}
	peer := room.NewPeer(s.ctx, room.RoleBroadcaster, pc)
	logger := s.logger.WithFields(log.Fields{
		"room": roomID,
		"role": peer.Role,
		"peer": peer.ID,
	})

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		peer.Close()
		return nil, s.negotiationFailed(&rtc.NegotiationError{Step: "add transceiver", Err: err})
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeVideo {
			logger.WithField("kind", remote.Kind().String()).Warn("ignoring non-video track")
			return
		}
		logger.WithField("codec", remote.Codec().MimeType).Info("broadcaster track received")
		s.forward(r, peer, remote, remote.Codec().RTPCodecCapability, uint32(remote.SSRC()), logger)
	})
	s.watchConnectionState(peer, logger)

	answer, err := rtc.Answer(ctx, pc, offer, s.opts.GatherTimeout)
	if err != nil {
		peer.Close()
		return nil, s.negotiationFailed(err)
	}

	// The room may have been deleted while this offer was negotiated.
	if current, ok := s.rooms.Get(roomID); !ok || current != r {
		peer.Close()
		s.rejected.Add(1)
		return nil, ErrRoomNotFound
	}

	if previous := r.SetBroadcasterConnection(peer); previous != nil && previous != peer {
		logger.WithField("previous", previous.ID).Info("replacing broadcaster")
		previous.Close()
	}

	s.publishes.Add(1)
	logger.Info("broadcaster connected")
	return &Session{
		Answer: SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
		Peer:   peer,
	}, nil
}

// forward installs a new outgoing track for the broadcaster's media and
// relays src into it until src fails or the broadcaster session ends, then
// clears the track from the room.
func (s *Service) forward(r *room.Room, peer *room.Peer, src rtc.PacketReader, codec webrtc.RTPCodecCapability, ssrc uint32, logger log.FieldLogger) {
	if peer.Context().Err() != nil {
		return
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codec, "video", "screen-share")
	if err != nil {
		logger.WithError(err).Error("failed to create local track")
		return
	}

	peer.SetMediaSSRC(ssrc)
	for _, viewer := range r.SetBroadcasterTrack(local) {
		logger.WithField("viewer", viewer.ID).Info("disconnecting viewer of replaced track")
		viewer.Close()
	}
	s.relaysStarted.Add(1)

	go func() {
		err := rtc.Relay(peer.Context(), src, local, r.Stats())
		r.ClearBroadcasterTrack(local)
		logger.WithError(err).Info("broadcaster track ended")
	}()
}

// Subscribe attaches a new viewer connection to the room's current
// broadcaster track and returns the answer to the viewer's offer. It fails
// before building any connection when the room or its track is absent.
func (s *Service) Subscribe(ctx context.Context, roomID string, desc SessionDescription) (*Session, error) {
	offer, err := rtc.ParseOffer(desc.Type, desc.SDP)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	r, ok := s.rooms.Get(roomID)
	if !ok {
		s.rejected.Add(1)
		return nil, ErrRoomNotFound
	}
	track := r.BroadcasterTrack()
	if track == nil {
		s.rejected.Add(1)
		return nil, ErrNoBroadcaster
	}
	if s.opts.MaxRoomViewers > 0 && r.LiveViewerCount() >= s.opts.MaxRoomViewers {
		s.rejected.Add(1)
		return nil, ErrRoomFull
	}

	pc, err := s.factory.NewConnection()
	if err != nil {
		return nil, s.negotiationFailed(&rtc.NegotiationError{Step: "create peer connection", Err: err})
	}
	peer := room.NewPeer(s.ctx, room.RoleViewer, pc)
	logger := s.logger.WithFields(log.Fields{
		"room": roomID,
		"role": peer.Role,
		"peer": peer.ID,
	})

	sender, err := pc.AddTrack(track)
	if err != nil {
		peer.Close()
		return nil, s.negotiationFailed(&rtc.NegotiationError{Step: "add track", Err: err})
	}

	go func() {
		err := rtc.DrainRTCP(peer.Context(), sender, func() { s.requestKeyframe(r, logger) })
		logger.WithError(err).Debug("rtcp drain stopped")
	}()
	s.watchConnectionState(peer, logger)

	answer, err := rtc.Answer(ctx, pc, offer, s.opts.GatherTimeout)
	if err != nil {
		peer.Close()
		return nil, s.negotiationFailed(err)
	}

	if !r.AddViewerOnTrack(peer, track) {
		peer.Close()
		s.rejected.Add(1)
		return nil, ErrNoBroadcaster
	}

	s.subscribes.Add(1)
	logger.WithField("viewers", r.ViewerCount()).Info("viewer joined")
	return &Session{
		Answer: SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
		Peer:   peer,
	}, nil
}

func (s *Service) requestKeyframe(r *room.Room, logger log.FieldLogger) {
	broadcaster := r.Broadcaster()
	if broadcaster == nil {
		return
	}
	r.Stats().RecordKeyframeRequest()
	if err := broadcaster.RequestKeyframe(); err != nil {
		logger.WithError(err).Debug("keyframe request not delivered")
	}
}

func (s *Service) watchConnectionState(peer *room.Peer, logger log.FieldLogger) {
	peer.Conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.WithField("state", state.String()).Debug("connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			peer.Close()
		}
	})
}

func (s *Service) negotiationFailed(err error) error {
	s.negotiationFailures.Add(1)
	return err
}

// Status reports on roomID. An unknown room is reported as not existing,
// never as an error.
func (s *Service) Status(roomID string) Status {
	r, ok := s.rooms.Get(roomID)
	if !ok {
		return Status{}
	}
	snapshot := r.Snapshot()
	return Status{
		Exists:         true,
		HasBroadcaster: snapshot.HasBroadcaster,
		ViewerCount:    snapshot.Viewers,
	}
}

// DeleteRoom removes roomID and closes its broadcaster and viewers.
func (s *Service) DeleteRoom(roomID string) error {
	r, ok := s.rooms.Delete(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	r.Close()
	return nil
}

// Close ends every session. The service must not be used afterwards.
func (s *Service) Close() {
	s.cancel()
	for _, r := range s.rooms.Rooms() {
		r.Close()
	}
}
