/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	gracefulStopWait = time.Second
	watchdogInterval = time.Second
)

// ingestHooks are the supervisor's observation points on a child.
type ingestHooks struct {
	// OnConnected fires once, on the first progress token.
	OnConnected func()
	// OnExit fires after the child exits, with the Wait error if any.
	OnExit func(p *ingestProcess, err error)
}

// ingestProcess wraps one running ingest child. Stderr is watched for
// progress and error tokens; the watchdog enforces the connection timeout
// before the first progress and the tighter progress timeout after it.
type ingestProcess struct {
	sourceID string
	logger   zerolog.Logger

	cmd  *exec.Cmd
	done chan struct{}

	connectionTimeout time.Duration
	progressTimeout   time.Duration

	mu            sync.Mutex
	stopping      bool
	connected     bool
	timedOut      bool
	lastProgress  time.Time
	lastErrorLine string
	exitErr       error
}

// startIngestProcess spawns the child and begins watching it.
func startIngestProcess(sourceID, bin string, args []string, connectionTimeout, progressTimeout time.Duration, logger zerolog.Logger, hooks ingestHooks) (*ingestProcess, error) {
	cmd := exec.Command(bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ingest child: %w", err)
	}

	p := &ingestProcess{
		sourceID:          sourceID,
		logger:            logger,
		cmd:               cmd,
		done:              make(chan struct{}),
		connectionTimeout: connectionTimeout,
		progressTimeout:   progressTimeout,
		lastProgress:      time.Now(),
	}

	p.logger.Info().Int("pid", cmd.Process.Pid).Str("source_id", sourceID).Msg("ingest child started")

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

func (p *ingestProcess) watchStderr(r io.Reader, hooks ingestHooks) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "size=") || strings.Contains(line, "time="):
			p.mu.Lock()
			p.lastProgress = time.Now()
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
			p.logger.Warn().Str("source_id", p.sourceID).Str("line", line).Msg("ingest error output")
		}
	}
}

// watchdog kills the child when stderr progress stalls past the phase
// timeout: connectionTimeout before the first progress token, the shorter
// progressTimeout once data has flowed.
func (p *ingestProcess) watchdog() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			stopping := p.stopping
			limit := p.connectionTimeout
			if p.connected {
				limit = p.progressTimeout
			}
			stalled := time.Since(p.lastProgress) > limit
			if stalled && !stopping {
				p.timedOut = true
			}
			p.mu.Unlock()
			if stopping {
				return
			}
			if stalled {
				p.logger.Warn().
					Str("source_id", p.sourceID).
					Dur("limit", limit).
					Msg("ingest stalled, killing")
				if p.cmd.Process != nil {
					_ = p.cmd.Process.Kill()
				}
				return
			}
		}
	}
}

// stop terminates the child: interrupt, short grace, then kill. Marks the
// stop as client-initiated so the exit handler records STOPPED, not ERROR.
func (p *ingestProcess) stop() {
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

func (p *ingestProcess) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *ingestProcess) isRunning() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *ingestProcess) isTimedOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timedOut
}

func (p *ingestProcess) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *ingestProcess) errorLine() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErrorLine
}
