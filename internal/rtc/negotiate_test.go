package rtc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/rubigo/screenshare-sfu/internal/testutil"
)

// bareOffer parses as SDP but lacks the ICE and DTLS attributes WebRTC
// requires, so pion rejects it when applied.
const bareOffer = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	factory, err := NewFactory(FactoryConfig{PLIInterval: time.Second})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	return factory
}

func TestParseOffer(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		sdp     string
		wantErr bool
	}{
		{"offer", "offer", bareOffer, false},
		{"empty type", "", bareOffer, false},
		{"answer type", "answer", bareOffer, true},
		{"empty sdp", "offer", "  ", true},
		{"not sdp", "offer", "hello", true},
		{"no media", "offer", "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := ParseOffer(tt.typ, tt.sdp)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOffer) {
					t.Fatalf("err = %v, want ErrInvalidOffer", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOffer: %v", err)
			}
			if desc.Type != webrtc.SDPTypeOffer || desc.SDP != tt.sdp {
				t.Errorf("desc = %+v", desc)
			}
		})
	}
}

func TestAnswerEmbedsCandidatesAndCredentials(t *testing.T) {
	factory := newTestFactory(t)
	pc, err := factory.NewConnection()
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	defer pc.Close()

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}

	offer, err := ParseOffer("offer", testutil.PublisherOffer(t))
	if err != nil {
		t.Fatalf("ParseOffer: %v", err)
	}

	answer, err := Answer(context.Background(), pc, offer, 10*time.Second)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("type = %s, want answer", answer.Type)
	}
	for _, attr := range []string{"a=fingerprint", "a=ice-ufrag"} {
		if !strings.Contains(answer.SDP, attr) {
			t.Errorf("answer is missing %s", attr)
		}
	}
	if pc.ICEGatheringState() != webrtc.ICEGatheringStateComplete {
		t.Errorf("gathering state = %s, want complete", pc.ICEGatheringState())
	}
}

func TestAnswerRejectedOffer(t *testing.T) {
	factory := newTestFactory(t)
	pc, err := factory.NewConnection()
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	defer pc.Close()

	offer, err := ParseOffer("offer", bareOffer)
	if err != nil {
		t.Fatalf("ParseOffer: %v", err)
	}

	_, err = Answer(context.Background(), pc, offer, time.Second)
	var negotiationErr *NegotiationError
	if !errors.As(err, &negotiationErr) {
		t.Fatalf("err = %v, want *NegotiationError", err)
	}
	if negotiationErr.Step != "set remote description" {
		t.Errorf("step = %q", negotiationErr.Step)
	}
}

func TestNewFactoryICEServers(t *testing.T) {
	servers := iceServers([]string{"stun:a.example:3478", "turn:b.example:3478"}, "user", "secret")
	if len(servers) != 2 {
		t.Fatalf("len = %d, want 2", len(servers))
	}
	for _, server := range servers {
		if server.Username != "user" || server.Credential != "secret" {
			t.Errorf("server = %+v", server)
		}
	}

	if servers := iceServers(nil, "", ""); len(servers) != 0 {
		t.Errorf("servers = %v, want none", servers)
	}
}

func TestNewFactoryPortRange(t *testing.T) {
	factory, err := NewFactory(FactoryConfig{UDPPortMin: 40000, UDPPortMax: 40100})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	pc, err := factory.NewConnection()
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	_ = pc.Close()
}
