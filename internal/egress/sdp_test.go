package egress

import (
	"strings"
	"testing"

	"github.com/friendsincode/hermod_studio/internal/models"
)

func TestEncoderSDPSingleInput(t *testing.T) {
	got := encoderSDP([]busInput{{Bus: models.BusPGM, Gain: 1.0, Port: 41000}})

	want := strings.Join([]string{
		"v=0",
		"o=- 0 0 IN IP4 127.0.0.1",
		"s=HermodStudio",
		"c=IN IP4 127.0.0.1",
		"t=0 0",
		"m=audio 41000 RTP/AVP 111",
		"a=rtpmap:111 opus/48000/2",
		"a=recvonly",
		"",
	}, "\r\n")
	if got != want {
		t.Fatalf("sdp = %q, want %q", got, want)
	}
	if strings.Contains(got, "a=mid:") {
		t.Fatalf("single-input SDP must not carry mids: %q", got)
	}
}

func TestEncoderSDPMultiInputMids(t *testing.T) {
	got := encoderSDP([]busInput{
		{Bus: models.BusPGM, Gain: 1.0, Port: 41000},
		{Bus: models.BusAUX1, Gain: 0.5, Port: 41002},
	})

	pgmIdx := strings.Index(got, "m=audio 41000 RTP/AVP 111")
	auxIdx := strings.Index(got, "m=audio 41002 RTP/AVP 111")
	if pgmIdx == -1 || auxIdx == -1 || auxIdx < pgmIdx {
		t.Fatalf("media sections missing or out of order: %q", got)
	}
	if !strings.Contains(got, "a=mid:pgm") || !strings.Contains(got, "a=mid:aux1") {
		t.Fatalf("multi-input SDP missing mids: %q", got)
	}
	if strings.Contains(got, "rtcp-mux") {
		t.Fatalf("SDP must not request rtcp-mux: %q", got)
	}
	if n := strings.Count(got, "a=rtpmap:111 opus/48000/2"); n != 2 {
		t.Fatalf("want 2 rtpmap lines, got %d in %q", n, got)
	}
}
