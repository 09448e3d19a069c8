package sfu

import "github.com/rubigo/screenshare-sfu/internal/rtc"

// RoomMetrics is one room's entry in Metrics. The relay counters are
// flattened into the same JSON object.
type RoomMetrics struct {
	RoomID         string `json:"roomId"`
	HasBroadcaster bool   `json:"hasBroadcaster"`
	Viewers        int    `json:"viewers"`
	rtc.RelaySnapshot
}

type Metrics struct {
	ActiveRooms         int           `json:"activeRooms"`
	Publishes           int64         `json:"publishes"`
	Subscribes          int64         `json:"subscribes"`
	Rejected            int64         `json:"rejected"`
	NegotiationFailures int64         `json:"negotiationFailures"`
	RelaysStarted       int64         `json:"relaysStarted"`
	MaxRoomViewers      int           `json:"maxRoomViewers"`
	Rooms               []RoomMetrics `json:"rooms"`
}

func (s *Service) Metrics() Metrics {
	rooms := s.rooms.Rooms()
	m := Metrics{
		ActiveRooms:         len(rooms),
		Publishes:           s.publishes.Load(),
		Subscribes:          s.subscribes.Load(),
		Rejected:            s.rejected.Load(),
		NegotiationFailures: s.negotiationFailures.Load(),
		RelaysStarted:       s.relaysStarted.Load(),
		MaxRoomViewers:      s.opts.MaxRoomViewers,
		Rooms:               make([]RoomMetrics, 0, len(rooms)),
	}
	for _, r := range rooms {
		snapshot := r.Snapshot()
		m.Rooms = append(m.Rooms, RoomMetrics{
			RoomID:         snapshot.ID,
			HasBroadcaster: snapshot.HasBroadcaster,
			Viewers:        snapshot.Viewers,
			RelaySnapshot:  snapshot.Relay,
		})
	}
	return m
}
