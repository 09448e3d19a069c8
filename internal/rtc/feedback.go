package rtc

import (
	"context"
	"errors"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

var errNoMedia = errors.New("no inbound media yet")

// DrainRTCP reads RTCP arriving on a sender until the read fails or ctx is
// done. Reading is what keeps the sender's interceptors from stalling.
// onKeyframeRequest, when non-nil, runs for every PLI or FIR a viewer sends.
func DrainRTCP(ctx context.Context, sender PacketReader, onKeyframeRequest func()) error {
	stop := unblockOnDone(ctx, sender)
	defer stop()

	buf := make([]byte, packetBufferSize)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if onKeyframeRequest == nil {
			continue
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				onKeyframeRequest()
			}
		}
	}
}

// RequestKeyframe sends a PLI for mediaSSRC over pc.
func RequestKeyframe(pc *webrtc.PeerConnection, mediaSSRC uint32) error {
	if pc == nil || mediaSSRC == 0 {
		return errNoMedia
	}
	return pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: mediaSSRC},
	})
}
