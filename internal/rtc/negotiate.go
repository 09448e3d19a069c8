package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var ErrInvalidOffer = errors.New("invalid offer")

// NegotiationError reports which step of building an answer failed.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ParseOffer checks that raw is a parseable SDP offer. An empty typ is
// accepted as an offer.
func ParseOffer(typ, raw string) (webrtc.SessionDescription, error) {
	if typ != "" && typ != webrtc.SDPTypeOffer.String() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: type %q, want %q", ErrInvalidOffer, typ, webrtc.SDPTypeOffer)
	}
	if strings.TrimSpace(raw) == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty sdp", ErrInvalidOffer)
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: no media sections", ErrInvalidOffer)
	}

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: raw}, nil
}

// Answer applies offer to pc and returns the local answer once ICE
// gathering has finished, so the full candidate set is embedded in the SDP.
// The gathering wait ends early when ctx is done or timeout elapses.
func Answer(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription, timeout time.Duration) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, &NegotiationError{Step: "set remote description", Err: err}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, &NegotiationError{Step: "create answer", Err: err}
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, &NegotiationError{Step: "set local description", Err: err}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, &NegotiationError{Step: "gather ICE candidates", Err: ctx.Err()}
	}

	local := pc.LocalDescription()
	if local == nil {
		return nil, &NegotiationError{Step: "read local description", Err: errors.New("no local description")}
	}
	return local, nil
}
