package egress

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// shChild spawns a shell one-liner as the encoder binary so the process
// plumbing can be exercised without a real encoder.
func shChild(t *testing.T, script string, hooks processHooks) *encoderProcess {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell children not available")
	}
	p, err := startEncoderProcess("out-test", "/bin/sh", []string{"-c", script}, "v=0\r\n", zerolog.Nop(), hooks)
	if err != nil {
		t.Fatalf("startEncoderProcess: %v", err)
	}
	return p
}

func waitDone(t *testing.T, p *encoderProcess) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("encoder child did not exit")
	}
}

func TestProcessProgressFiresConnected(t *testing.T) {
	connected := make(chan struct{}, 1)
	exited := make(chan error, 1)
	p := shChild(t, `echo "size=     42kB time=00:00:01.00 bitrate= 128.0kbits/s" >&2; sleep 0.3`, processHooks{
		OnConnected: func() { connected <- struct{}{} },
		OnExit:      func(_ *encoderProcess, err error) { exited <- err },
	})

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnected never fired")
	}

	waitDone(t, p)
	select {
	case err := <-exited:
		if err != nil {
			t.Fatalf("clean child reported exit error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnExit never fired")
	}

	if got := p.bytes(); got != 42*1024 {
		t.Fatalf("bytes = %d, want %d", got, 42*1024)
	}
	if p.isRunning() {
		t.Fatal("exited child still reports running")
	}
}

func TestProcessCapturesErrorLine(t *testing.T) {
	exited := make(chan error, 1)
	p := shChild(t, `echo "Error opening output icecast://x" >&2; sleep 0.3; exit 1`, processHooks{
		OnExit: func(_ *encoderProcess, err error) { exited <- err },
	})

	waitDone(t, p)
	select {
	case err := <-exited:
		if err == nil {
			t.Fatal("exit 1 child reported no error")
		}
	case <-time.After(time.Second):
		t.Fatal("OnExit never fired")
	}

	if line := p.errorLine(); !strings.Contains(line, "Error opening output") {
		t.Fatalf("errorLine = %q, want the stderr error token", line)
	}
}

func TestProcessStopInterruptsChild(t *testing.T) {
	exited := make(chan error, 1)
	p := shChild(t, `sleep 30`, processHooks{
		OnExit: func(_ *encoderProcess, err error) { exited <- err },
	})

	start := time.Now()
	p.stop()
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("stop took %v, want under the grace window plus kill", elapsed)
	}

	if !p.isStopping() {
		t.Fatal("stopped child not marked stopping")
	}
	if p.isRunning() {
		t.Fatal("stopped child still reports running")
	}
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("OnExit never fired after stop")
	}

	// A second stop on a dead child returns immediately.
	p.stop()
}

func TestProcessOnExitReceivesOwnHandle(t *testing.T) {
	got := make(chan *encoderProcess, 1)
	p := shChild(t, `true`, processHooks{
		OnExit: func(ep *encoderProcess, _ error) { got <- ep },
	})

	select {
	case ep := <-got:
		if ep != p {
			t.Fatal("OnExit delivered a different process handle")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit never fired")
	}
}

func TestStartEncoderProcessRejectsMissingBinary(t *testing.T) {
	_, err := startEncoderProcess("out-test", "/nonexistent/encoder-binary", nil, "", zerolog.Nop(), processHooks{})
	if err == nil {
		t.Fatal("expected spawn error for missing binary")
	}
}
