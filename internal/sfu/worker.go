/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sfu

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// opusPayloadType is the payload type every transport in the system uses for
// Opus, WebRTC and plain-RTP alike.
const opusPayloadType = 111

// opusCodecCapability is the single audio codec routers negotiate.
func opusCodecCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
}

// Worker is an isolated webrtc.API instance. Each worker owns its own
// MediaEngine, interceptor registry, and a dedicated slice of the UDP port
// range, so a misbehaving worker can be rebuilt without touching the others.
type Worker struct {
	index   int
	api     *webrtc.API
	portMin uint16
	portMax uint16
}

// newWorker builds worker #index with its slice of [portMin, portMax].
func newWorker(index, count, portMin, portMax int) (*Worker, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCodecCapability(),
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	lo, hi := workerPortSlice(index, count, portMin, portMax)

	se := webrtc.SettingEngine{}
	if err := se.SetEphemeralUDPPortRange(lo, hi); err != nil {
		return nil, fmt.Errorf("set port range: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)

	return &Worker{index: index, api: api, portMin: lo, portMax: hi}, nil
}

// workerPortSlice partitions [min,max] into count contiguous slices and
// returns the bounds of slice #index. The last slice absorbs the remainder.
func workerPortSlice(index, count, min, max int) (uint16, uint16) {
	if count < 1 {
		count = 1
	}
	span := max - min + 1
	size := span / count
	if size < 2 {
		// Range too small to partition; all workers share it.
		return uint16(min), uint16(max)
	}

	lo := min + index*size
	hi := lo + size - 1
	if index == count-1 {
		hi = max
	}
	return uint16(lo), uint16(hi)
}

// Index returns the worker's position in the pool.
func (w *Worker) Index() int { return w.index }

// newPeerConnection creates a peer connection on this worker's API.
func (w *Worker) newPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return w.api.NewPeerConnection(cfg)
}
