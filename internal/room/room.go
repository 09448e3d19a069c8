// Package room holds the in-memory state of screen-share sessions: which
// connection is broadcasting, the outgoing track viewers attach to, and
// the viewers themselves.
package room

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/rubigo/screenshare-sfu/internal/rtc"
)

// Room is the state of one named session. The lock guards only pointer and
// slice updates; no method performs I/O while holding it.
type Room struct {
	id string

	mu          sync.RWMutex
	broadcaster *Peer
	track       *webrtc.TrackLocalStaticRTP
	viewers     []*Peer

	stats rtc.RelayStats
}

func New(id string) *Room {
	return &Room{id: id}
}

func (r *Room) ID() string { return r.id }

// Stats returns the room's relay counters. They accumulate across
// broadcaster sessions.
func (r *Room) Stats() *rtc.RelayStats { return &r.stats }

// SetBroadcasterConnection stores p as the broadcasting peer and returns
// the peer it replaced, if any.
func (r *Room) SetBroadcasterConnection(p *Peer) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.broadcaster
	r.broadcaster = p
	return previous
}

func (r *Room) Broadcaster() *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcaster
}

// SetBroadcasterTrack installs track as the room's outgoing track. Setting
// a new non-nil track detaches every viewer bound to a different track;
// those viewers are returned so the caller can close them outside the lock.
// Setting nil keeps the viewer list as is.
func (r *Room) SetBroadcasterTrack(track *webrtc.TrackLocalStaticRTP) []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.track = track
	if track == nil {
		return nil
	}

	var stale []*Peer
	kept := r.viewers[:0:0]
	for _, viewer := range r.viewers {
		if viewer.track != track {
			stale = append(stale, viewer)
			continue
		}
		kept = append(kept, viewer)
	}
	r.viewers = kept
	return stale
}

// ClearBroadcasterTrack sets the track to nil only if it is still track,
// so a finished session never clears its successor's track.
func (r *Room) ClearBroadcasterTrack(track *webrtc.TrackLocalStaticRTP) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.track == nil || r.track != track {
		return false
	}
	r.track = nil
	return true
}

func (r *Room) BroadcasterTrack() *webrtc.TrackLocalStaticRTP {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.track
}

// AddViewer appends p bound to the room's current track.
func (r *Room) AddViewer(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.track = r.track
	r.viewers = append(r.viewers, p)
}

// AddViewerOnTrack appends p only if track is still the room's track. It
// reports false when the broadcaster went away or was replaced while p was
// being negotiated.
func (r *Room) AddViewerOnTrack(p *Peer, track *webrtc.TrackLocalStaticRTP) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if track == nil || r.track != track {
		return false
	}
	p.track = track
	r.viewers = append(r.viewers, p)
	return true
}

func (r *Room) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// LiveViewerCount counts viewers whose session has not ended. Closed
// viewers stay in the list until the track changes, so capacity checks use
// this rather than ViewerCount.
func (r *Room) LiveViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live := 0
	for _, viewer := range r.viewers {
		if viewer.ctx.Err() == nil {
			live++
		}
	}
	return live
}

type Snapshot struct {
	ID             string
	HasBroadcaster bool
	Viewers        int
	Relay          rtc.RelaySnapshot
}

func (r *Room) Snapshot() Snapshot {
	r.mu.RLock()
	snapshot := Snapshot{
		ID:             r.id,
		HasBroadcaster: r.track != nil,
		Viewers:        len(r.viewers),
	}
	r.mu.RUnlock()
	snapshot.Relay = r.stats.Snapshot()
	return snapshot
}

// Close closes the broadcaster and every viewer and resets the room.
func (r *Room) Close() {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.viewers)+1)
	if r.broadcaster != nil {
		peers = append(peers, r.broadcaster)
	}
	peers = append(peers, r.viewers...)
	r.broadcaster = nil
	r.track = nil
	r.viewers = nil
	r.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}
