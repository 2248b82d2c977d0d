package ingest

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func shIngestChild(t *testing.T, script string, connectionTimeout, progressTimeout time.Duration, hooks ingestHooks) *ingestProcess {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell children not available")
	}
	p, err := startIngestProcess("src-test", "/bin/sh", []string{"-c", script}, connectionTimeout, progressTimeout, zerolog.Nop(), hooks)
	if err != nil {
		t.Fatalf("startIngestProcess: %v", err)
	}
	return p
}

func waitIngestDone(t *testing.T, p *ingestProcess, limit time.Duration) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(limit):
		t.Fatal("ingest child did not exit")
	}
}

func TestIngestProcessProgressFiresConnected(t *testing.T) {
	connected := make(chan struct{}, 1)
	p := shIngestChild(t, `echo "size=      12kB time=00:00:00.50 bitrate= 128.0kbits/s" >&2; sleep 0.3`,
		30*time.Second, 10*time.Second, ingestHooks{
			OnConnected: func() { connected <- struct{}{} },
		})

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnected never fired")
	}
	waitIngestDone(t, p, 5*time.Second)

	if !p.isConnected() {
		t.Fatal("progress seen but not marked connected")
	}
	if p.isTimedOut() {
		t.Fatal("clean exit flagged as timeout")
	}
}

func TestIngestProcessConnectionTimeoutKillsSilentChild(t *testing.T) {
	exited := make(chan error, 1)
	p := shIngestChild(t, `sleep 30`, 100*time.Millisecond, 10*time.Second, ingestHooks{
		OnExit: func(_ *ingestProcess, err error) { exited <- err },
	})

	// The watchdog ticks every second; a silent child dies on the first
	// tick past the connection timeout.
	waitIngestDone(t, p, 5*time.Second)

	if !p.isTimedOut() {
		t.Fatal("watchdog kill not flagged as timeout")
	}
	if p.isConnected() {
		t.Fatal("silent child marked connected")
	}
	select {
	case err := <-exited:
		if err == nil {
			t.Fatal("killed child reported clean exit")
		}
	case <-time.After(time.Second):
		t.Fatal("OnExit never fired")
	}
}

func TestIngestProcessProgressTimeoutAfterConnect(t *testing.T) {
	p := shIngestChild(t, `echo "time=00:00:01.00" >&2; sleep 30`,
		30*time.Second, 100*time.Millisecond, ingestHooks{})

	waitIngestDone(t, p, 5*time.Second)

	if !p.isConnected() {
		t.Fatal("progress line not recorded")
	}
	if !p.isTimedOut() {
		t.Fatal("stalled child not flagged as timeout")
	}
}

func TestIngestProcessStopIsNotTimeout(t *testing.T) {
	p := shIngestChild(t, `sleep 30`, 30*time.Second, 10*time.Second, ingestHooks{})

	p.stop()

	if !p.isStopping() {
		t.Fatal("stopped child not marked stopping")
	}
	if p.isTimedOut() {
		t.Fatal("client stop flagged as timeout")
	}
	if p.isRunning() {
		t.Fatal("stopped child still reports running")
	}
}

func TestIngestProcessCapturesErrorLine(t *testing.T) {
	p := shIngestChild(t, `echo "srt://0.0.0.0:31000: Connection error" >&2; sleep 0.3; exit 1`,
		30*time.Second, 10*time.Second, ingestHooks{})

	waitIngestDone(t, p, 5*time.Second)

	if line := p.errorLine(); !strings.Contains(line, "Connection error") {
		t.Fatalf("errorLine = %q, want the stderr error token", line)
	}
}
