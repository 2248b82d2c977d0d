/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Bus names understood by the mix pipeline. PGM is the on-air program mix,
// TB the talkback/IFB channel, AUX1-4 free assignment buses.
const (
	BusPGM  = "pgm"
	BusTB   = "tb"
	BusAUX1 = "aux1"
	BusAUX2 = "aux2"
	BusAUX3 = "aux3"
	BusAUX4 = "aux4"
)

// BusNames lists every mix bus in canonical order.
func BusNames() []string {
	return []string{BusPGM, BusTB, BusAUX1, BusAUX2, BusAUX3, BusAUX4}
}

// EQSettings is a three-band parametric EQ block.
type EQSettings struct {
	Enabled  bool    `json:"enabled"`
	LowGain  float64 `json:"lowGain"`  // dB, ±12
	LowFreq  float64 `json:"lowFreq"`  // Hz
	MidGain  float64 `json:"midGain"`  // dB, ±12
	MidFreq  float64 `json:"midFreq"`  // Hz
	HighGain float64 `json:"highGain"` // dB, ±12
	HighFreq float64 `json:"highFreq"` // Hz
}

// GateSettings is a noise gate block.
type GateSettings struct {
	Enabled     bool    `json:"enabled"`
	ThresholdDb float64 `json:"thresholdDb"`
	AttackMs    float64 `json:"attackMs"`
	ReleaseMs   float64 `json:"releaseMs"`
}

// CompressorSettings is a dynamics compressor block.
type CompressorSettings struct {
	Enabled     bool    `json:"enabled"`
	ThresholdDb float64 `json:"thresholdDb"`
	Ratio       float64 `json:"ratio"` // 1-20
	AttackMs    float64 `json:"attackMs"`
	ReleaseMs   float64 `json:"releaseMs"`
	MakeupDb    float64 `json:"makeupDb"`
}

// ChannelMix is the full strip state for one mixer channel.
type ChannelMix struct {
	Gain       float64            `json:"gain"`  // linear, 0-2
	Pan        float64            `json:"pan"`   // -1 left .. +1 right
	Fader      float64            `json:"fader"` // linear, 0-1
	Muted      bool               `json:"muted"`
	Solo       bool               `json:"solo"`
	PFL        bool               `json:"pfl"`
	EQ         EQSettings         `json:"eq"`
	Gate       GateSettings       `json:"gate"`
	Compressor CompressorSettings `json:"compressor"`
	BusRouting map[string]bool    `json:"busRouting"` // bus name -> send enabled
}

// MasterMix is the master section: overall gain plus per-bus output trims.
type MasterMix struct {
	Gain      float64            `json:"gain"`
	Muted     bool               `json:"muted"`
	BusLevels map[string]float64 `json:"busLevels"` // bus name -> linear trim
}

// DefaultChannelMix returns the strip state a newly added channel starts with:
// unity fader, flat EQ, gate and compressor off, routed to PGM only.
func DefaultChannelMix() ChannelMix {
	return ChannelMix{
		Gain:  1.0,
		Pan:   0,
		Fader: 1.0,
		EQ: EQSettings{
			LowFreq:  100,
			MidFreq:  1000,
			HighFreq: 10000,
		},
		Gate: GateSettings{
			ThresholdDb: -50,
			AttackMs:    10,
			ReleaseMs:   100,
		},
		Compressor: CompressorSettings{
			ThresholdDb: -18,
			Ratio:       3,
			AttackMs:    10,
			ReleaseMs:   150,
		},
		BusRouting: map[string]bool{BusPGM: true},
	}
}

// DefaultMasterMix returns the master section defaults: unity everywhere.
func DefaultMasterMix() MasterMix {
	levels := make(map[string]float64, 6)
	for _, bus := range BusNames() {
		levels[bus] = 1.0
	}
	return MasterMix{Gain: 1.0, BusLevels: levels}
}

// MixSnapshot is the persisted shape of a room's mix state. It round-trips
// through Room.MixState unchanged.
type MixSnapshot struct {
	Channels    map[string]ChannelMix `json:"channels"`
	Master      MasterMix             `json:"master"`
	SoloMode    bool                  `json:"soloMode"`
	LastUpdated time.Time             `json:"lastUpdated"`
}

// Value implements driver.Valuer for MixSnapshot.
func (s MixSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for MixSnapshot.
func (s *MixSnapshot) Scan(value interface{}) error {
	if value == nil {
		*s = MixSnapshot{Channels: map[string]ChannelMix{}, Master: DefaultMasterMix()}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return json.Unmarshal([]byte(value.(string)), s)
	}
	return json.Unmarshal(bytes, s)
}

// MixChangeType discriminates mix state change payloads.
type MixChangeType string

const (
	MixChangeChannel MixChangeType = "channel"
	MixChangeMaster  MixChangeType = "master"
	MixChangeRouting MixChangeType = "routing"
	MixChangeFull    MixChangeType = "full"
)

// MixChange is one mutation applied by the primary mixer.
type MixChange struct {
	Type      MixChangeType   `json:"type"`
	ChannelID string          `json:"channelId,omitempty"`
	Changes   json.RawMessage `json:"changes"`
	Timestamp time.Time       `json:"timestamp"`
	ClientID  string          `json:"clientId"`
}
