/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// ICEServer is one STUN/TURN entry handed to joining clients.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string // Public base URL (e.g., https://studio.example.com)
	DBBackend   DatabaseBackend
	DBDSN       string
	MediaRoot   string // Local directory for recording artifacts
	JWTSigningKey string
	MetricsBind   string

	// External media tools
	FFmpegBin    string
	GStreamerBin string

	// SFU configuration
	SFUWorkers       int    // Worker count; 0 means one per CPU (capped at 8)
	RTPPortMin       int    // Plain-RTP port range used to bridge child processes
	RTPPortMax       int
	EgressPortOffset int    // External encoder port = transport port + offset
	AnnouncedIP      string // Address written into SDP handed to encoders

	// ICE configuration
	STUNURL        string
	TURNURL        string
	TURNUsername   string
	TURNPassword   string
	ICEServersFile string // Optional YAML file with additional ICE servers

	// Ingest configuration
	SRTPortMin               int
	SRTPortMax               int
	RISTPortMin              int
	RISTPortMax              int
	IngestConnectionTimeout  time.Duration // No progress before the producer exists
	IngestProgressTimeout    time.Duration // No progress after the producer exists
	WHIPPortMin              int
	WHIPPortMax              int

	// Egress configuration
	EncoderDebounce   time.Duration // Delay before a bus-level change restarts an encoder
	EncoderMaxRetries int

	// Mix coordinator
	MixFailoverTimeout time.Duration // Heartbeat window before takeover is allowed

	// Room defaults
	DefaultMaxParticipants int

	// S3 Object Storage configuration
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3PublicBaseURL   string // Public base URL for stored objects, if fronted by a CDN
	S3UsePathStyle    bool   // Required for MinIO

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	NATSURL               string
	InstanceID            string

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnvAny([]string{"HERMOD_ENV", "HMS_ENV"}, "development"),
		HTTPBind:      getEnvAny([]string{"HERMOD_HTTP_BIND", "HMS_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:      getEnvIntAny([]string{"HERMOD_HTTP_PORT", "HMS_HTTP_PORT"}, 8080),
		BaseURL:       getEnvAny([]string{"HERMOD_BASE_URL", "HMS_BASE_URL"}, ""),
		DBBackend:     DatabaseBackend(getEnvAny([]string{"HERMOD_DB_BACKEND", "HMS_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:         getEnvAny([]string{"HERMOD_DB_DSN", "HMS_DB_DSN"}, ""),
		MediaRoot:     getEnvAny([]string{"HERMOD_MEDIA_ROOT", "HMS_MEDIA_ROOT"}, "./media"),
		JWTSigningKey: getEnvAny([]string{"HERMOD_JWT_SIGNING_KEY", "HMS_JWT_SIGNING_KEY"}, ""),
		MetricsBind:   getEnvAny([]string{"HERMOD_METRICS_BIND", "HMS_METRICS_BIND"}, "127.0.0.1:9000"),

		FFmpegBin:    getEnvAny([]string{"HERMOD_FFMPEG_BIN", "FFMPEG_BIN"}, "ffmpeg"),
		GStreamerBin: getEnvAny([]string{"HERMOD_GSTREAMER_BIN", "GSTREAMER_BIN"}, "gst-launch-1.0"),

		// SFU configuration
		SFUWorkers:       getEnvIntAny([]string{"HERMOD_SFU_WORKERS", "SFU_WORKERS"}, 0),
		RTPPortMin:       getEnvIntAny([]string{"HERMOD_RTP_PORT_MIN", "RTP_PORT_MIN"}, 20000),
		RTPPortMax:       getEnvIntAny([]string{"HERMOD_RTP_PORT_MAX", "RTP_PORT_MAX"}, 25000),
		EgressPortOffset: getEnvIntAny([]string{"HERMOD_EGRESS_PORT_OFFSET", "EGRESS_PORT_OFFSET"}, 1000),
		AnnouncedIP:      getEnvAny([]string{"HERMOD_ANNOUNCED_IP", "ANNOUNCED_IP"}, "127.0.0.1"),

		// ICE configuration
		STUNURL:        getEnvAny([]string{"HERMOD_STUN_URL", "STUN_URL"}, "stun:stun.l.google.com:19302"),
		TURNURL:        getEnvAny([]string{"HERMOD_TURN_URL", "TURN_URL"}, ""),
		TURNUsername:   getEnvAny([]string{"HERMOD_TURN_USERNAME", "TURN_USERNAME"}, ""),
		TURNPassword:   getEnvAny([]string{"HERMOD_TURN_PASSWORD", "TURN_PASSWORD"}, ""),
		ICEServersFile: getEnvAny([]string{"HERMOD_ICE_SERVERS_FILE", "ICE_SERVERS_FILE"}, ""),

		// Ingest configuration
		SRTPortMin:              getEnvIntAny([]string{"HERMOD_SRT_INGEST_PORT_MIN", "SRT_INGEST_PORT_MIN"}, 31000),
		SRTPortMax:              getEnvIntAny([]string{"HERMOD_SRT_INGEST_PORT_MAX", "SRT_INGEST_PORT_MAX"}, 31999),
		RISTPortMin:             getEnvIntAny([]string{"HERMOD_RIST_INGEST_PORT_MIN", "RIST_INGEST_PORT_MIN"}, 31000),
		RISTPortMax:             getEnvIntAny([]string{"HERMOD_RIST_INGEST_PORT_MAX", "RIST_INGEST_PORT_MAX"}, 31999),
		WHIPPortMin:             getEnvIntAny([]string{"HERMOD_WHIP_INGEST_PORT_MIN", "WHIP_INGEST_PORT_MIN"}, 31000),
		WHIPPortMax:             getEnvIntAny([]string{"HERMOD_WHIP_INGEST_PORT_MAX", "WHIP_INGEST_PORT_MAX"}, 31999),
		IngestConnectionTimeout: time.Duration(getEnvIntAny([]string{"HERMOD_INGEST_CONNECTION_TIMEOUT_MS", "INGEST_CONNECTION_TIMEOUT_MS"}, 30000)) * time.Millisecond,
		IngestProgressTimeout:   time.Duration(getEnvIntAny([]string{"HERMOD_INGEST_PROGRESS_TIMEOUT_MS", "INGEST_PROGRESS_TIMEOUT_MS"}, 10000)) * time.Millisecond,

		// Egress configuration
		EncoderDebounce:   time.Duration(getEnvIntAny([]string{"HERMOD_ENCODER_DEBOUNCE_MS", "ENCODER_DEBOUNCE_MS"}, 500)) * time.Millisecond,
		EncoderMaxRetries: getEnvIntAny([]string{"HERMOD_ENCODER_MAX_RETRIES", "ENCODER_MAX_RETRIES"}, 3),

		// Mix coordinator
		MixFailoverTimeout: time.Duration(getEnvIntAny([]string{"HERMOD_MIX_FAILOVER_TIMEOUT_MS", "MIX_FAILOVER_TIMEOUT_MS"}, 5000)) * time.Millisecond,

		// Room defaults
		DefaultMaxParticipants: getEnvIntAny([]string{"HERMOD_DEFAULT_MAX_PARTICIPANTS", "HMS_DEFAULT_MAX_PARTICIPANTS"}, 20),

		// S3 Object Storage configuration
		S3AccessKeyID:     getEnvAny([]string{"HERMOD_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"HERMOD_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"HERMOD_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"HERMOD_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"HERMOD_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3PublicBaseURL:   getEnvAny([]string{"HERMOD_S3_PUBLIC_BASE_URL", "S3_PUBLIC_BASE_URL"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"HERMOD_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		// Tracing configuration
		TracingEnabled:    getEnvBoolAny([]string{"HERMOD_TRACING_ENABLED", "HMS_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"HERMOD_OTLP_ENDPOINT", "HMS_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"HERMOD_TRACING_SAMPLE_RATE", "HMS_TRACING_SAMPLE_RATE"}, 1.0),

		// Multi-instance configuration
		LeaderElectionEnabled: getEnvBoolAny([]string{"HERMOD_LEADER_ELECTION_ENABLED", "HMS_LEADER_ELECTION_ENABLED"}, false),
		RedisAddr:             getEnvAny([]string{"HERMOD_REDIS_ADDR", "HMS_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword:         getEnvAny([]string{"HERMOD_REDIS_PASSWORD", "HMS_REDIS_PASSWORD"}, ""),
		RedisDB:               getEnvIntAny([]string{"HERMOD_REDIS_DB", "HMS_REDIS_DB"}, 0),
		NATSURL:               getEnvAny([]string{"HERMOD_NATS_URL", "NATS_URL"}, ""),
		InstanceID:            getEnvAny([]string{"HERMOD_INSTANCE_ID", "HMS_INSTANCE_ID"}, ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("HERMOD_DB_DSN or HMS_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("HERMOD_JWT_SIGNING_KEY or HMS_JWT_SIGNING_KEY must be provided")
	}

	if cfg.RTPPortMin >= cfg.RTPPortMax {
		return nil, fmt.Errorf("HERMOD_RTP_PORT_MIN (%d) must be below HERMOD_RTP_PORT_MAX (%d)", cfg.RTPPortMin, cfg.RTPPortMax)
	}

	for _, r := range []struct {
		name     string
		min, max int
	}{
		{"SRT", cfg.SRTPortMin, cfg.SRTPortMax},
		{"RIST", cfg.RISTPortMin, cfg.RISTPortMax},
		{"WHIP", cfg.WHIPPortMin, cfg.WHIPPortMax},
	} {
		if r.min > r.max {
			return nil, fmt.Errorf("%s ingest port range [%d,%d] is inverted", r.name, r.min, r.max)
		}
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.TURNURL != "" && (cfg.TURNUsername == "" || cfg.TURNPassword == "") {
			return nil, fmt.Errorf("HERMOD_TURN_USERNAME and HERMOD_TURN_PASSWORD are required when TURN is enabled in production")
		}
		if len(cfg.JWTSigningKey) < 32 {
			return nil, fmt.Errorf("HERMOD_JWT_SIGNING_KEY must be at least 32 bytes in production")
		}
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":     "use HERMOD_ENV (or HMS_ENV)",
		"JWT_SIGNING_KEY": "use HERMOD_JWT_SIGNING_KEY (or HMS_JWT_SIGNING_KEY)",
		"TRACING_ENABLED": "use HERMOD_TRACING_ENABLED (or HMS_TRACING_ENABLED)",
		"OTLP_ENDPOINT":   "use HERMOD_OTLP_ENDPOINT (or HMS_OTLP_ENDPOINT)",
		"REDIS_ADDR":      "use HERMOD_REDIS_ADDR (or HMS_REDIS_ADDR)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// ICEServers assembles the ICE server list from env plus the optional YAML file.
// Entries from the file come after the env-configured servers.
func (c *Config) ICEServers() ([]ICEServer, error) {
	servers := make([]ICEServer, 0, 4)
	if c.STUNURL != "" {
		servers = append(servers, ICEServer{URLs: []string{c.STUNURL}})
	}
	if c.TURNURL != "" {
		servers = append(servers, ICEServer{
			URLs:       []string{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}

	if c.ICEServersFile == "" {
		return servers, nil
	}

	data, err := os.ReadFile(c.ICEServersFile)
	if err != nil {
		return nil, fmt.Errorf("read ICE servers file: %w", err)
	}

	var file struct {
		ICEServers []ICEServer `yaml:"iceServers"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse ICE servers file: %w", err)
	}

	return append(servers, file.ICEServers...), nil
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
