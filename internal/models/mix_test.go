package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestMixSnapshotRoundTrip(t *testing.T) {
	snap := MixSnapshot{
		Channels: map[string]ChannelMix{
			"ch-1": func() ChannelMix {
				ch := DefaultChannelMix()
				ch.Fader = 0.75
				ch.Pan = -0.3
				ch.Muted = true
				ch.BusRouting[BusAUX1] = true
				return ch
			}(),
			"ch-2": DefaultChannelMix(),
		},
		Master: MasterMix{
			Gain:      0.9,
			BusLevels: map[string]float64{BusPGM: 1.0, BusAUX1: 0.5},
		},
		SoloMode:    true,
		LastUpdated: time.Now().UTC().Truncate(time.Millisecond),
	}

	value, err := snap.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var restored MixSnapshot
	if err := restored.Scan(value); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if !reflect.DeepEqual(snap.Channels, restored.Channels) {
		t.Errorf("channels did not round-trip:\n got %+v\nwant %+v", restored.Channels, snap.Channels)
	}
	if !reflect.DeepEqual(snap.Master, restored.Master) {
		t.Errorf("master did not round-trip: got %+v want %+v", restored.Master, snap.Master)
	}
	if restored.SoloMode != snap.SoloMode {
		t.Errorf("soloMode did not round-trip: got %v", restored.SoloMode)
	}
}

func TestMixSnapshotJSONKeys(t *testing.T) {
	snap := MixSnapshot{
		Channels: map[string]ChannelMix{"c": DefaultChannelMix()},
		Master:   DefaultMasterMix(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"channels", "master", "soloMode", "lastUpdated"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing top-level key %q in %s", key, data)
		}
	}

	var ch map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw["channels"], &ch); err != nil {
		t.Fatalf("unmarshal channels: %v", err)
	}
	for _, key := range []string{"gain", "pan", "fader", "muted", "solo", "pfl", "eq", "gate", "compressor", "busRouting"} {
		if _, ok := ch["c"][key]; !ok {
			t.Errorf("missing channel key %q", key)
		}
	}
}

func TestMixSnapshotScanNil(t *testing.T) {
	var snap MixSnapshot
	if err := snap.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if snap.Channels == nil {
		t.Error("Scan(nil) should initialize channels map")
	}
	if snap.Master.Gain != 1.0 {
		t.Errorf("Scan(nil) master gain = %v, want 1.0", snap.Master.Gain)
	}
}

func TestDefaultChannelMix(t *testing.T) {
	ch := DefaultChannelMix()
	if ch.Fader != 1.0 {
		t.Errorf("default fader = %v, want unity", ch.Fader)
	}
	if ch.Gain != 1.0 {
		t.Errorf("default gain = %v, want unity", ch.Gain)
	}
	if ch.Pan != 0 {
		t.Errorf("default pan = %v, want centered", ch.Pan)
	}
	if ch.Compressor.Enabled || ch.Gate.Enabled || ch.EQ.Enabled {
		t.Error("processing blocks should default off")
	}
	if !ch.BusRouting[BusPGM] {
		t.Error("default routing should include pgm")
	}
	for _, bus := range []string{BusAUX1, BusAUX2, BusAUX3, BusAUX4} {
		if ch.BusRouting[bus] {
			t.Errorf("default routing should not include %s", bus)
		}
	}
}

func TestTimerElapsedAndRemaining(t *testing.T) {
	now := time.Now()
	started := now.Add(-30 * time.Second)

	timer := RoomTimer{
		Kind:        TimerCountdown,
		DurationSec: 60,
		State:       TimerRunning,
		StartedAt:   &started,
		ElapsedMS:   10_000, // accumulated before the current run
	}

	elapsed := timer.ElapsedAt(now)
	if elapsed < 39*time.Second || elapsed > 41*time.Second {
		t.Errorf("elapsed = %v, want ~40s", elapsed)
	}

	remaining := timer.RemainingAt(now)
	if remaining < 19*time.Second || remaining > 21*time.Second {
		t.Errorf("remaining = %v, want ~20s", remaining)
	}
}

func TestTimerRemainingClampsAtZero(t *testing.T) {
	now := time.Now()
	started := now.Add(-2 * time.Minute)

	timer := RoomTimer{
		Kind:        TimerCountdown,
		DurationSec: 30,
		State:       TimerRunning,
		StartedAt:   &started,
	}

	if remaining := timer.RemainingAt(now); remaining != 0 {
		t.Errorf("remaining = %v, want 0 for an overrun countdown", remaining)
	}
}

func TestActiveBuses(t *testing.T) {
	output := AudioOutput{
		BusRouting: map[string]float64{
			BusPGM:  1.0,
			BusAUX1: 0.5,
			BusAUX2: 0, // zero level is not active
		},
	}

	buses := output.ActiveBuses()
	want := []string{BusPGM, BusAUX1}
	if !reflect.DeepEqual(buses, want) {
		t.Errorf("ActiveBuses() = %v, want %v", buses, want)
	}
}
