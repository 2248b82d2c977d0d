/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// OutputType enumerates egress destinations.
type OutputType string

const (
	OutputIcecast       OutputType = "ICECAST"
	OutputSRT           OutputType = "SRT"
	OutputFileRecording OutputType = "FILE_RECORDING"
)

// OutputCodec enumerates encoder codecs.
type OutputCodec string

const (
	CodecMP3  OutputCodec = "mp3"
	CodecAAC  OutputCodec = "aac"
	CodecOpus OutputCodec = "opus"
)

// AudioOutput is one configured egress destination for a room. The encoder
// child process for it exists only while IsEnabled is set.
type AudioOutput struct {
	ID         string      `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID     string      `gorm:"type:uuid;index" json:"roomId"`
	Name       string      `json:"name"`
	Type       OutputType  `gorm:"type:varchar(16)" json:"type"`
	Codec      OutputCodec `gorm:"type:varchar(8)" json:"codec"`
	Bitrate    int         `json:"bitrate"` // kbit/s
	SampleRate int         `json:"sampleRate"`
	Channels   int         `json:"channels"`

	// BusRouting maps bus name to linear gain in [0,1]. Buses at zero are
	// not consumed by the encoder.
	BusRouting map[string]float64 `gorm:"type:jsonb;serializer:json" json:"busRouting"`

	// Icecast connection config
	IcecastHost        string `json:"icecastHost,omitempty"`
	IcecastPort        int    `json:"icecastPort,omitempty"`
	IcecastMount       string `json:"icecastMount,omitempty"`
	IcecastUser        string `json:"icecastUser,omitempty"`
	IcecastPassword    string `json:"-"`
	IcecastName        string `json:"icecastName,omitempty"`
	IcecastDescription string `json:"icecastDescription,omitempty"`
	IcecastGenre       string `json:"icecastGenre,omitempty"`
	IcecastURL         string `json:"icecastUrl,omitempty"`
	IcecastPublic      bool   `json:"icecastPublic,omitempty"`

	// SRT connection config
	SRTHost       string `json:"srtHost,omitempty"`
	SRTPort       int    `json:"srtPort,omitempty"`
	SRTMode       string `gorm:"type:varchar(16)" json:"srtMode,omitempty"` // caller, listener, rendezvous
	SRTStreamID   string `json:"srtStreamId,omitempty"`
	SRTPassphrase string `json:"-"`
	SRTLatencyMs  int    `json:"srtLatencyMs,omitempty"`

	// File recording config
	FilePath string `json:"filePath,omitempty"`

	// Runtime flags
	IsEnabled     bool       `gorm:"index" json:"isEnabled"`
	IsActive      bool       `json:"isActive"`
	IsConnected   bool       `json:"isConnected"`
	ErrorMessage  string     `gorm:"type:text" json:"errorMessage,omitempty"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	BytesStreamed int64      `json:"bytesStreamed"`
	RetryCount    int        `json:"retryCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ActiveBuses returns the bus names routed at non-zero gain, canonical order.
func (o *AudioOutput) ActiveBuses() []string {
	var buses []string
	for _, bus := range BusNames() {
		if o.BusRouting[bus] > 0 {
			buses = append(buses, bus)
		}
	}
	return buses
}

// SourceType enumerates ingest origins.
type SourceType string

const (
	SourceHTTPStream  SourceType = "HTTP_STREAM"
	SourceFile        SourceType = "FILE"
	SourceTone        SourceType = "TONE"
	SourceSilence     SourceType = "SILENCE"
	SourceSRTStream   SourceType = "SRT_STREAM"
	SourceRISTStream  SourceType = "RIST_STREAM"
	SourceParticipant SourceType = "PARTICIPANT"
)

// SourceMode selects listener vs caller for SRT/RIST links.
type SourceMode string

const (
	ModeListener SourceMode = "LISTENER"
	ModeCaller   SourceMode = "CALLER"
)

// PlaybackState tracks the ingest child process.
type PlaybackState string

const (
	PlaybackIdle     PlaybackState = "IDLE"
	PlaybackStarting PlaybackState = "STARTING"
	PlaybackPlaying  PlaybackState = "PLAYING"
	PlaybackStopped  PlaybackState = "STOPPED"
	PlaybackError    PlaybackState = "ERROR"
)

// ConnectionState tracks the protocol link of an SRT/RIST source.
type ConnectionState string

const (
	ConnIdle         ConnectionState = "IDLE"
	ConnListening    ConnectionState = "LISTENING"
	ConnConnecting   ConnectionState = "CONNECTING"
	ConnConnected    ConnectionState = "CONNECTED"
	ConnDisconnected ConnectionState = "DISCONNECTED"
	ConnError        ConnectionState = "ERROR"
)

// AudioSource is one configured ingest origin for a room. Sources enter the
// mix as SFU producers under the participant id "source:<id>".
type AudioSource struct {
	ID     string     `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID string     `gorm:"type:uuid;index" json:"roomId"`
	Name   string     `json:"name"`
	Type   SourceType `gorm:"type:varchar(16)" json:"type"`
	Mode   SourceMode `gorm:"type:varchar(16)" json:"mode,omitempty"`

	// URL is the HTTP stream address, file path, or caller target as the
	// type requires.
	URL string `json:"url,omitempty"`

	// SRT/RIST connection config
	SRTStreamID   string `json:"srtStreamId,omitempty"`
	SRTPassphrase string `json:"-"`
	SRTLatencyMs  int    `json:"srtLatencyMs,omitempty"`
	RISTProfile   string `gorm:"type:varchar(16)" json:"ristProfile,omitempty"` // simple, main

	// Tone generator config
	FrequencyHz float64 `json:"frequencyHz,omitempty"`

	// Runtime flags
	PlaybackState   PlaybackState   `gorm:"type:varchar(16)" json:"playbackState"`
	ConnectionState ConnectionState `gorm:"type:varchar(16)" json:"connectionState"`
	ErrorMessage    string          `gorm:"type:text" json:"errorMessage,omitempty"`
	ListenerPort    int             `json:"listenerPort,omitempty"`
	RemoteAddress   string          `json:"remoteAddress,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WHIPState is the lifecycle of a WHIP contribution stream.
type WHIPState string

const (
	WHIPPending      WHIPState = "PENDING"
	WHIPConnecting   WHIPState = "CONNECTING"
	WHIPConnected    WHIPState = "CONNECTED"
	WHIPDisconnected WHIPState = "DISCONNECTED"
	WHIPError        WHIPState = "ERROR"
)

// WHIPStream is a registered WHIP ingest endpoint: a bearer token plus the
// state machine behind the gateway process.
type WHIPStream struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID       string    `gorm:"type:uuid;index" json:"roomId"`
	Name         string    `json:"name"`
	BearerToken  string    `gorm:"uniqueIndex" json:"-"`
	State        WHIPState `gorm:"type:varchar(16)" json:"state"`
	ListenerPort int       `json:"listenerPort,omitempty"`
	ErrorMessage string    `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RecordingStatus tracks a recording artifact through its pipeline.
type RecordingStatus string

const (
	RecordingActive     RecordingStatus = "RECORDING"
	RecordingProcessing RecordingStatus = "PROCESSING"
	RecordingCompleted  RecordingStatus = "COMPLETED"
	RecordingFailed     RecordingStatus = "FAILED"
)

// Recording is one captured artifact of a room session.
type Recording struct {
	ID          string          `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID      string          `gorm:"type:uuid;index" json:"roomId"`
	OutputID    *string         `gorm:"type:uuid;index" json:"outputId,omitempty"`
	StartedByID string          `gorm:"type:uuid" json:"startedById"`
	Status      RecordingStatus `gorm:"type:varchar(16);index" json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
	Duration    time.Duration   `json:"duration"`
	FilePath    string          `json:"filePath,omitempty"`
	ObjectKey   string          `json:"objectKey,omitempty"`
	SizeBytes   int64           `json:"sizeBytes"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
