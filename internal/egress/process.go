/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package egress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// gracefulStopWait is how long a terminating encoder gets before the
	// hard kill.
	gracefulStopWait = time.Second

	// idleTimeout kills an encoder whose stderr stopped showing progress.
	idleTimeout = 30 * time.Second

	watchdogInterval = 5 * time.Second
)

var sizeTokenRe = regexp.MustCompile(`size=\s*(\d+)kB`)

// processHooks are the supervisor's observation points on a child encoder.
type processHooks struct {
	// OnConnected fires once, on the first progress token.
	OnConnected func()
	// OnExit fires after the child exits, with the Wait error if any.
	OnExit func(p *encoderProcess, err error)
}

// encoderProcess wraps one running encoder child. The SDP descriptor goes
// to stdin at spawn; stderr is watched for progress and error tokens.
type encoderProcess struct {
	outputID string
	logger   zerolog.Logger

	cmd  *exec.Cmd
	done chan struct{}

	mu            sync.Mutex
	stopping      bool
	connected     bool
	lastProgress  time.Time
	lastErrorLine string
	bytesStreamed int64
	exitErr       error
}

// startEncoderProcess spawns the child and begins watching it.
func startEncoderProcess(outputID, bin string, args []string, sdp string, logger zerolog.Logger, hooks processHooks) (*encoderProcess, error) {
	cmd := exec.Command(bin, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	p := &encoderProcess{
		outputID:     outputID,
		logger:       logger,
		cmd:          cmd,
		done:         make(chan struct{}),
		lastProgress: time.Now(),
	}

	p.logger.Info().Int("pid", cmd.Process.Pid).Str("output_id", outputID).Msg("encoder started")

	go func() {
		if _, err := io.WriteString(stdin, sdp); err != nil {
			p.logger.Debug().Err(err).Msg("sdp write failed")
		}
		stdin.Close()
	}()

	go p.watchStderr(stderr, hooks)
	go p.watchdog()

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
		if hooks.OnExit != nil {
			hooks.OnExit(p, err)
		}
	}()

	return p, nil
}

// watchStderr scans child output. Progress tokens reset the watchdog and
// accumulate the streamed byte count; error tokens are kept for the
// output's error message.
func (p *encoderProcess) watchStderr(r io.Reader, hooks processHooks) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "size=") || strings.Contains(line, "time="):
			p.mu.Lock()
			p.lastProgress = time.Now()
			if m := sizeTokenRe.FindStringSubmatch(line); m != nil {
				if kb, err := strconv.ParseInt(m[1], 10, 64); err == nil {
					p.bytesStreamed = kb * 1024
				}
			}
			first := !p.connected
			p.connected = true
			p.mu.Unlock()
			if first && hooks.OnConnected != nil {
				hooks.OnConnected()
			}
		case strings.Contains(line, "Error") || strings.Contains(line, "error") || strings.Contains(line, "failed"):
			p.mu.Lock()
			p.lastErrorLine = line
			p.mu.Unlock()
			p.logger.Warn().Str("output_id", p.outputID).Str("line", line).Msg("encoder error output")
		}
	}
}

// watchdog kills the child when progress stalls past idleTimeout.
func (p *encoderProcess) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			stopping := p.stopping
			stalled := time.Since(p.lastProgress) > idleTimeout
			p.mu.Unlock()
			if stopping {
				return
			}
			if stalled {
				p.logger.Warn().Str("output_id", p.outputID).Msg("encoder stalled, killing")
				if p.cmd.Process != nil {
					_ = p.cmd.Process.Kill()
				}
				return
			}
		}
	}
}

// stop terminates the child: interrupt, short grace, then kill. Marks the
// stop as client-initiated so the exit handler skips the retry policy.
func (p *encoderProcess) stop() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-p.done:
	case <-time.After(gracefulStopWait):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
}

func (p *encoderProcess) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *encoderProcess) isRunning() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *encoderProcess) errorLine() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErrorLine
}

func (p *encoderProcess) bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesStreamed
}
