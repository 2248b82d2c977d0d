package ingest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/friendsincode/hermod_studio/internal/models"
)

func sourceArgString(t *testing.T, src *models.AudioSource, listenerPort, rtpPort int) string {
	t.Helper()
	args, err := sourceArgs(src, listenerPort, rtpPort)
	if err != nil {
		t.Fatalf("sourceArgs: %v", err)
	}
	return strings.Join(args, " ")
}

func TestSourceArgsOutputSuffix(t *testing.T) {
	src := &models.AudioSource{ID: "src-1", Type: models.SourceSilence}
	got := sourceArgString(t, src, 0, 24100)

	wantSuffix := fmt.Sprintf(
		"-vn -c:a libopus -b:a 128k -ar 48000 -ac 2 -payload_type 111 -ssrc %d -f rtp rtp://127.0.0.1:24100",
		sourceSSRC("src-1"))
	if !strings.HasSuffix(got, wantSuffix) {
		t.Fatalf("args = %q, want suffix %q", got, wantSuffix)
	}
	if !strings.HasPrefix(got, "-hide_banner -loglevel warning -stats") {
		t.Fatalf("args = %q, missing common prefix", got)
	}
	if !strings.Contains(got, "anullsrc=channel_layout=stereo:sample_rate=48000") {
		t.Fatalf("silence input wrong: %q", got)
	}
}

func TestSourceArgsTone(t *testing.T) {
	src := &models.AudioSource{ID: "src-1", Type: models.SourceTone, FrequencyHz: 1000}
	got := sourceArgString(t, src, 0, 24100)
	if !strings.Contains(got, "-f lavfi -i sine=frequency=1000:sample_rate=48000") {
		t.Fatalf("tone input wrong: %q", got)
	}

	src.FrequencyHz = 0
	got = sourceArgString(t, src, 0, 24100)
	if !strings.Contains(got, "sine=frequency=440:") {
		t.Fatalf("tone default frequency missing: %q", got)
	}
}

func TestSourceArgsHTTPStream(t *testing.T) {
	src := &models.AudioSource{ID: "src-1", Type: models.SourceHTTPStream, URL: "https://radio.example.com/live"}
	got := sourceArgString(t, src, 0, 24100)
	if !strings.Contains(got, "-i https://radio.example.com/live") {
		t.Fatalf("http input wrong: %q", got)
	}
	if strings.Contains(got, "-re") {
		t.Fatalf("live http input must not be rate-limited: %q", got)
	}

	src.URL = "ftp://nope"
	if _, err := sourceArgs(src, 0, 24100); err == nil {
		t.Fatal("expected error for non-http url")
	}
}

func TestSourceArgsFileUsesRealtimeRate(t *testing.T) {
	src := &models.AudioSource{ID: "src-1", Type: models.SourceFile, URL: "/media/bed.mp3"}
	got := sourceArgString(t, src, 0, 24100)
	if !strings.Contains(got, "-re -i /media/bed.mp3") {
		t.Fatalf("file input wrong: %q", got)
	}

	src.URL = ""
	if _, err := sourceArgs(src, 0, 24100); err == nil {
		t.Fatal("expected error for file source without a path")
	}
}

func TestSourceArgsSRTListener(t *testing.T) {
	src := &models.AudioSource{
		ID:            "src-1",
		Type:          models.SourceSRTStream,
		Mode:          models.ModeListener,
		SRTStreamID:   "studio",
		SRTPassphrase: "secret",
		SRTLatencyMs:  200,
	}
	got := sourceArgString(t, src, 31005, 24100)
	want := "-i srt://0.0.0.0:31005?mode=listener&streamid=studio&passphrase=secret&latency=200"
	if !strings.Contains(got, want) {
		t.Fatalf("args = %q, want %q", got, want)
	}

	// Unset fields stay out of the URL.
	bare := &models.AudioSource{ID: "src-2", Type: models.SourceSRTStream}
	got = sourceArgString(t, bare, 31006, 24100)
	if !strings.Contains(got, "-i srt://0.0.0.0:31006?mode=listener ") {
		t.Fatalf("bare listener URL wrong: %q", got)
	}
}

func TestSourceArgsSRTCaller(t *testing.T) {
	src := &models.AudioSource{
		ID:   "src-1",
		Type: models.SourceSRTStream,
		Mode: models.ModeCaller,
		URL:  "srt://remote.example.com:9000?streamid=feed",
	}
	got := sourceArgString(t, src, 0, 24100)
	if !strings.Contains(got, "-i srt://remote.example.com:9000?streamid=feed") {
		t.Fatalf("caller URL not passed through: %q", got)
	}

	src.URL = "udp://remote:9000"
	if _, err := sourceArgs(src, 0, 24100); err == nil {
		t.Fatal("expected error for caller without srt:// url")
	}
}

func TestSourceArgsRIST(t *testing.T) {
	src := &models.AudioSource{
		ID:          "src-1",
		Type:        models.SourceRISTStream,
		Mode:        models.ModeListener,
		RISTProfile: "main",
	}
	got := sourceArgString(t, src, 31010, 24100)
	if !strings.Contains(got, "-i rist://@0.0.0.0:31010?profile=main") {
		t.Fatalf("rist listener URL wrong: %q", got)
	}

	caller := &models.AudioSource{
		ID:   "src-2",
		Type: models.SourceRISTStream,
		Mode: models.ModeCaller,
		URL:  "rist://remote.example.com:9100",
	}
	got = sourceArgString(t, caller, 0, 24100)
	if !strings.Contains(got, "-i rist://remote.example.com:9100") {
		t.Fatalf("rist caller URL wrong: %q", got)
	}
}

func TestSourceArgsRejectsParticipant(t *testing.T) {
	src := &models.AudioSource{ID: "src-1", Type: models.SourceParticipant}
	if _, err := sourceArgs(src, 0, 24100); err == nil {
		t.Fatal("expected error for participant source")
	}
}

func TestSourceSSRCStableAndNonZero(t *testing.T) {
	a := sourceSSRC("src-1")
	if a == 0 {
		t.Fatal("ssrc must be non-zero")
	}
	if b := sourceSSRC("src-1"); b != a {
		t.Fatalf("ssrc not stable: %d vs %d", a, b)
	}
	if c := sourceSSRC("src-2"); c == a {
		t.Fatalf("distinct sources share ssrc %d", a)
	}
	if a > 0x7fffffff {
		t.Fatalf("ssrc %d outside signed range", a)
	}
}
