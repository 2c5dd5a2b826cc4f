package engine

import (
	"fmt"
	"strings"
	"time"
)

// Media directions used in SDP offers. Hold renegotiation flips the
// direction attribute instead of tearing the stream down.
const (
	sdpSendRecv = "sendrecv"
	sdpSendOnly = "sendonly"
)

// rtpBasePort is the first RTP port handed out to dialog slots. Each slot
// gets an even port (RTP) with the odd one above it reserved for RTCP.
const rtpBasePort = 4000

// rtpPortFor maps a media slot to its RTP port.
func rtpPortFor(slot Slot) int {
	return rtpBasePort + int(slot)*2
}

// buildSDP produces a minimal audio offer or answer for the given slot.
// PCMU and PCMA with telephone-event is the least-surprise payload set for
// SIP providers.
func buildSDP(host string, slot Slot, direction string) []byte {
	sessID := time.Now().UnixNano() / 1000
	port := rtpPortFor(slot)

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %d %d IN IP4 %s\r\n", sessID, sessID, host)
	fmt.Fprintf(&b, "s=softdial\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", host)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP 0 8 101\r\n", port)
	fmt.Fprintf(&b, "a=rtpmap:0 PCMU/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:8 PCMA/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:101 telephone-event/8000\r\n")
	fmt.Fprintf(&b, "a=fmtp:101 0-16\r\n")
	fmt.Fprintf(&b, "a=%s\r\n", direction)
	return []byte(b.String())
}
