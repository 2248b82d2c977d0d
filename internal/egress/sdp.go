/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package egress

import (
	"fmt"
	"strings"
)

// encoderSDP describes the RTP stream(s) the encoder child should receive.
// One m=audio section per consumed bus, in input order, each tagged with the
// bus name as mid. No rtcp-mux attribute: RTCP arrives on port+1.
func encoderSDP(inputs []busInput) string {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 0 0 IN IP4 127.0.0.1\r\n")
	b.WriteString("s=HermodStudio\r\n")
	b.WriteString("c=IN IP4 127.0.0.1\r\n")
	b.WriteString("t=0 0\r\n")
	for _, in := range inputs {
		fmt.Fprintf(&b, "m=audio %d RTP/AVP 111\r\n", in.Port)
		b.WriteString("a=rtpmap:111 opus/48000/2\r\n")
		if len(inputs) > 1 {
			fmt.Fprintf(&b, "a=mid:%s\r\n", in.Bus)
		}
		b.WriteString("a=recvonly\r\n")
	}
	return b.String()
}
