/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingest

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/friendsincode/hermod_studio/internal/models"
)

const (
	outputBitrateKbps = 128
	outputSampleRate  = 48000
	outputChannels    = 2
	opusPayloadType   = 111
	defaultToneHz     = 440
)

// sourceSSRC derives a stable SSRC from the source id so a restarted child
// keeps the same RTP stream identity.
func sourceSSRC(sourceID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(sourceID))
	ssrc := h.Sum32() & 0x7fffffff
	if ssrc == 0 {
		ssrc = 1
	}
	return ssrc
}

// sourceArgs composes the child argument list for a source. listenerPort is
// the allocated ingest port (0 for types that do not listen); rtpPort is the
// loopback port of the SFU's producer-side plain transport.
func sourceArgs(src *models.AudioSource, listenerPort, rtpPort int) ([]string, error) {
	args := []string{"-hide_banner", "-loglevel", "warning", "-stats"}

	switch src.Type {
	case models.SourceHTTPStream:
		if !strings.HasPrefix(src.URL, "http://") && !strings.HasPrefix(src.URL, "https://") {
			return nil, fmt.Errorf("http stream source %s needs an http(s) url", src.ID)
		}
		args = append(args, "-i", src.URL)
	case models.SourceFile:
		if src.URL == "" {
			return nil, fmt.Errorf("file source %s has no path", src.ID)
		}
		args = append(args, "-re", "-i", src.URL)
	case models.SourceTone:
		freq := src.FrequencyHz
		if freq <= 0 {
			freq = defaultToneHz
		}
		args = append(args, "-f", "lavfi", "-i",
			fmt.Sprintf("sine=frequency=%s:sample_rate=%d", strconv.FormatFloat(freq, 'f', -1, 64), outputSampleRate))
	case models.SourceSilence:
		args = append(args, "-f", "lavfi", "-i",
			fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", outputSampleRate))
	case models.SourceSRTStream:
		url, err := srtInputURL(src, listenerPort)
		if err != nil {
			return nil, err
		}
		args = append(args, "-i", url)
	case models.SourceRISTStream:
		url, err := ristInputURL(src, listenerPort)
		if err != nil {
			return nil, err
		}
		args = append(args, "-i", url)
	default:
		return nil, fmt.Errorf("source type %q cannot be started", src.Type)
	}

	args = append(args,
		"-vn",
		"-c:a", "libopus",
		"-b:a", fmt.Sprintf("%dk", outputBitrateKbps),
		"-ar", strconv.Itoa(outputSampleRate),
		"-ac", strconv.Itoa(outputChannels),
		"-payload_type", strconv.Itoa(opusPayloadType),
		"-ssrc", strconv.FormatUint(uint64(sourceSSRC(src.ID)), 10),
		"-f", "rtp",
		fmt.Sprintf("rtp://127.0.0.1:%d", rtpPort),
	)
	return args, nil
}

// srtInputURL builds the SRT input for the child: the allocated listener
// port in LISTENER mode, the configured target in CALLER mode.
func srtInputURL(src *models.AudioSource, listenerPort int) (string, error) {
	if src.Mode == models.ModeCaller {
		if !strings.HasPrefix(src.URL, "srt://") {
			return "", fmt.Errorf("srt caller source %s needs an srt:// url", src.ID)
		}
		return src.URL, nil
	}

	params := []string{"mode=listener"}
	if src.SRTStreamID != "" {
		params = append(params, "streamid="+src.SRTStreamID)
	}
	if src.SRTPassphrase != "" {
		params = append(params, "passphrase="+src.SRTPassphrase)
	}
	if src.SRTLatencyMs > 0 {
		params = append(params, "latency="+strconv.Itoa(src.SRTLatencyMs))
	}
	return fmt.Sprintf("srt://0.0.0.0:%d?%s", listenerPort, strings.Join(params, "&")), nil
}

// ristInputURL builds the RIST input. The @ form binds a listener.
func ristInputURL(src *models.AudioSource, listenerPort int) (string, error) {
	if src.Mode == models.ModeCaller {
		if !strings.HasPrefix(src.URL, "rist://") {
			return "", fmt.Errorf("rist caller source %s needs a rist:// url", src.ID)
		}
		return src.URL, nil
	}

	url := fmt.Sprintf("rist://@0.0.0.0:%d", listenerPort)
	if src.RISTProfile != "" {
		url += "?profile=" + src.RISTProfile
	}
	return url, nil
}
