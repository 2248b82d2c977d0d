/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package egress

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/friendsincode/hermod_studio/internal/models"
)

const (
	defaultBitrateKbps = 128
	defaultSampleRate  = 48000
	defaultChannels    = 2
)

// codecName maps the output codec to the encoder's codec switch.
func codecName(codec models.OutputCodec) (string, error) {
	switch codec {
	case models.CodecMP3, "":
		return "libmp3lame", nil
	case models.CodecAAC:
		return "aac", nil
	case models.CodecOpus:
		return "libopus", nil
	default:
		return "", fmt.Errorf("unsupported codec %q", codec)
	}
}

// containerName maps the codec to the stream container.
func containerName(codec models.OutputCodec) string {
	switch codec {
	case models.CodecAAC:
		return "adts"
	case models.CodecOpus:
		return "ogg"
	default:
		return "mp3"
	}
}

// contentType maps the codec to the Icecast content type header.
func contentType(codec models.OutputCodec) string {
	switch codec {
	case models.CodecAAC:
		return "audio/aac"
	case models.CodecOpus:
		return "application/ogg"
	default:
		return "audio/mpeg"
	}
}

// busInput is one consumed bus feeding the encoder, in SDP stream order.
type busInput struct {
	Bus  string
	Gain float64
	Port int
}

// encoderArgs composes the full child argument list for an output. The SDP
// descriptor arrives on stdin; inputs lists the consumed buses in the same
// order as the SDP media sections.
func encoderArgs(out *models.AudioOutput, inputs []busInput) ([]string, error) {
	codec, err := codecName(out.Codec)
	if err != nil {
		return nil, err
	}

	bitrate := out.Bitrate
	if bitrate <= 0 {
		bitrate = defaultBitrateKbps
	}
	sampleRate := out.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	channels := out.Channels
	if channels <= 0 {
		channels = defaultChannels
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-protocol_whitelist", "pipe,file,udp,rtp",
		"-f", "sdp",
		"-i", "pipe:0",
		"-c:a", codec,
		"-b:a", fmt.Sprintf("%dk", bitrate),
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
	}

	switch {
	case len(inputs) > 1:
		args = append(args, "-filter_complex", mixFilter(inputs), "-map", "[aout]")
	case len(inputs) == 1 && inputs[0].Gain > 0 && inputs[0].Gain != 1.0:
		args = append(args, "-af", "volume="+formatGain(inputs[0].Gain))
	}

	switch out.Type {
	case models.OutputIcecast:
		if out.IcecastName != "" {
			args = append(args, "-ice_name", out.IcecastName)
		}
		if out.IcecastDescription != "" {
			args = append(args, "-ice_description", out.IcecastDescription)
		}
		if out.IcecastGenre != "" {
			args = append(args, "-ice_genre", out.IcecastGenre)
		}
		if out.IcecastURL != "" {
			args = append(args, "-ice_url", out.IcecastURL)
		}
		public := "0"
		if out.IcecastPublic {
			public = "1"
		}
		args = append(args,
			"-ice_public", public,
			"-content_type", contentType(out.Codec),
			"-f", containerName(out.Codec),
			icecastURL(out),
		)
	case models.OutputSRT:
		args = append(args, "-f", "mpegts", srtURL(out))
	case models.OutputFileRecording:
		if out.FilePath == "" {
			return nil, fmt.Errorf("file recording output %s has no file path", out.ID)
		}
		args = append(args, "-f", containerName(out.Codec), "-y", out.FilePath)
	default:
		return nil, fmt.Errorf("unsupported output type %q", out.Type)
	}

	return args, nil
}

// mixFilter builds the per-input volume chain feeding one amix sum.
// normalize=0 keeps the configured gains instead of amix's 1/n scaling.
func mixFilter(inputs []busInput) string {
	var b strings.Builder
	labels := make([]string, len(inputs))
	for i, in := range inputs {
		label := fmt.Sprintf("[b%d]", i)
		labels[i] = label
		fmt.Fprintf(&b, "[0:a:%d]volume=%s%s;", i, formatGain(in.Gain), label)
	}
	b.WriteString(strings.Join(labels, ""))
	fmt.Fprintf(&b, "amix=inputs=%d:duration=longest:normalize=0[aout]", len(inputs))
	return b.String()
}

func formatGain(g float64) string {
	return strconv.FormatFloat(g, 'f', -1, 64)
}

func icecastURL(out *models.AudioOutput) string {
	mount := out.IcecastMount
	if mount != "" && !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	user := out.IcecastUser
	if user == "" {
		user = "source"
	}
	port := out.IcecastPort
	if port == 0 {
		port = 8000
	}
	return fmt.Sprintf("icecast://%s:%s@%s:%d%s", user, out.IcecastPassword, out.IcecastHost, port, mount)
}

func srtURL(out *models.AudioOutput) string {
	var params []string
	if out.SRTMode != "" {
		params = append(params, "mode="+out.SRTMode)
	}
	if out.SRTStreamID != "" {
		params = append(params, "streamid="+out.SRTStreamID)
	}
	if out.SRTPassphrase != "" {
		params = append(params, "passphrase="+out.SRTPassphrase)
	}
	if out.SRTLatencyMs > 0 {
		params = append(params, "latency="+strconv.Itoa(out.SRTLatencyMs))
	}
	url := fmt.Sprintf("srt://%s:%d", out.SRTHost, out.SRTPort)
	if len(params) > 0 {
		url += "?" + strings.Join(params, "&")
	}
	return url
}
