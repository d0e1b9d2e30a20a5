// Package config loads dialogcore's runtime configuration from flags and
// environment variables, following the signaling service's own Load()
// convention: flags define defaults and names, environment variables
// override them after flag.Parse.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SequentialMatchMode governs how in-dialog requests missing a strict
// IUID parameter are matched against the table, per spec.md §6
// "sequential-match-mode".
type SequentialMatchMode string

const (
	MatchStrictID SequentialMatchMode = "strict-id"
	MatchFallback SequentialMatchMode = "fallback"
	MatchNoID     SequentialMatchMode = "no-id"
)

// DBMode governs the persistence driver's flush cadence, per spec.md §4.F.
type DBMode string

const (
	DBModeNone     DBMode = "none"
	DBModeRealtime DBMode = "realtime"
	DBModeDelayed  DBMode = "delayed"
	DBModeShutdown DBMode = "shutdown"
)

// Config holds every recognized option of spec.md §6 "Configuration
// (recognized options)".
type Config struct {
	// SIP listener settings, grounded on the signaling service's own Port/
	// BindAddr/AdvertiseAddr/LogLevel fields.
	Port          int
	BindAddr      string
	AdvertiseAddr string
	LogLevel      string

	// Dialog Table.
	HashSize int // rounded to a power of two by internal/table
	IDStart  uint64
	IDStep   uint64

	// Timer Ring deadlines, given as duration flags (e.g. "90s") and stored
	// as time.Duration for direct use.
	DefaultTimeout time.Duration
	EarlyTimeout   time.Duration
	NoAckTimeout   time.Duration
	EndTimeout     time.Duration

	// Keepalive.
	KeepaliveInterval  time.Duration // >= 30s, or 0 to disable
	KeepaliveFailedLim int

	// Behavior flags.
	DetectSpirals  bool
	WaitAck        bool
	TimeoutNoReset bool
	KeepProxyRR    int // 0..3 bitmask

	SequentialMatchMode SequentialMatchMode

	// Profile Index: names declared at startup.
	ProfilesNoValue   []string
	ProfilesWithValue []string

	// Persistence driver.
	DBMode         DBMode
	DBUpdatePeriod time.Duration

	// RPC control surface bind address, this module's own addition to the
	// ambient stack (spec.md §6.4).
	RPCBindAddr string
}

// Load parses flags then applies environment overrides, mirroring the
// signaling service's Load() two-pass pattern.
func Load() (*Config, error) {
	cfg := &Config{
		HashSize:           1024,
		IDStart:            0,
		IDStep:             1,
		DefaultTimeout:     3600 * time.Second,
		EarlyTimeout:       180 * time.Second,
		NoAckTimeout:       2 * time.Second,
		EndTimeout:         3600 * time.Second,
		KeepaliveInterval:  0,
		KeepaliveFailedLim: 3,
		DetectSpirals:       true,
		WaitAck:             true,
		TimeoutNoReset:      false,
		KeepProxyRR:         0,
		SequentialMatchMode: MatchStrictID,
		DBMode:              DBModeNone,
		DBUpdatePeriod:      90 * time.Second,
	}

	var profilesNoValue, profilesWithValue string
	var sequentialMatchMode, dbMode string

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "address to advertise in Record-Route (auto-detected if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")

	flag.IntVar(&cfg.HashSize, "hash-size", cfg.HashSize, "dialog table shard count, rounded to a power of two")
	flag.Uint64Var(&cfg.IDStart, "id-start", cfg.IDStart, "first hash-id assigned per shard")
	flag.Uint64Var(&cfg.IDStep, "id-step", cfg.IDStep, "increment between hash-ids assigned within a shard")

	flag.DurationVar(&cfg.DefaultTimeout, "default-timeout", cfg.DefaultTimeout, "confirmed dialog lifetime")
	flag.DurationVar(&cfg.EarlyTimeout, "early-timeout", cfg.EarlyTimeout, "early-state deadline")
	flag.DurationVar(&cfg.NoAckTimeout, "noack-timeout", cfg.NoAckTimeout, "confirmed-no-ack deadline")
	flag.DurationVar(&cfg.EndTimeout, "end-timeout", cfg.EndTimeout, "stored end timeout; confirmed dialog lifetimes are armed from default-timeout")

	flag.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", cfg.KeepaliveInterval, "keepalive scan period, >=30s or 0 to disable")
	flag.IntVar(&cfg.KeepaliveFailedLim, "keepalive-failed-limit", cfg.KeepaliveFailedLim, "consecutive unanswered keepalives before forced termination")

	flag.BoolVar(&cfg.DetectSpirals, "detect-spirals", cfg.DetectSpirals, "detect and suppress spiraled INVITEs via the Record-Route IUID parameter")
	flag.BoolVar(&cfg.WaitAck, "wait-ack", cfg.WaitAck, "wait for ACK before confirming a dialog")
	flag.BoolVar(&cfg.TimeoutNoReset, "timeout-noreset", cfg.TimeoutNoReset, "in-dialog traffic does not rearm the lifetime timer")
	flag.IntVar(&cfg.KeepProxyRR, "keep-proxy-rr", cfg.KeepProxyRR, "keep-proxy Record-Route bitmask (0..3)")

	flag.StringVar(&sequentialMatchMode, "sequential-match-mode", string(cfg.SequentialMatchMode), "strict-id, fallback, or no-id")

	flag.StringVar(&profilesNoValue, "profiles-no-value", "", "comma-separated no-value profile names to declare at startup")
	flag.StringVar(&profilesWithValue, "profiles-with-value", "", "comma-separated with-value profile names to declare at startup")

	flag.StringVar(&dbMode, "db-mode", string(cfg.DBMode), "none, realtime, delayed, or shutdown")
	flag.DurationVar(&cfg.DBUpdatePeriod, "db-update-period", cfg.DBUpdatePeriod, "persistence driver flush period for delayed mode")

	flag.StringVar(&cfg.RPCBindAddr, "rpc-bind", "127.0.0.1:8062", "RPC control surface bind address")

	flag.Parse()

	cfg.ProfilesNoValue = parseList(profilesNoValue)
	cfg.ProfilesWithValue = parseList(profilesWithValue)

	applyEnvOverrides(cfg, &sequentialMatchMode, &dbMode)

	mode, ok := parseSequentialMatchMode(sequentialMatchMode)
	if !ok {
		return nil, fmt.Errorf("config: invalid sequential-match-mode %q", sequentialMatchMode)
	}
	cfg.SequentialMatchMode = mode

	db, ok := parseDBMode(dbMode)
	if !ok {
		return nil, fmt.Errorf("config: invalid db-mode %q", dbMode)
	}
	cfg.DBMode = db

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, sequentialMatchMode, dbMode *string) {
	if v := os.Getenv("DIALOGCORE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DIALOGCORE_BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("DIALOGCORE_ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if v := os.Getenv("DIALOGCORE_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DIALOGCORE_HASH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HashSize = n
		}
	}
	if v := os.Getenv("DIALOGCORE_ID_START"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.IDStart = n
		}
	}
	if v := os.Getenv("DIALOGCORE_ID_STEP"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.IDStep = n
		}
	}
	if v := os.Getenv("DIALOGCORE_SEQUENTIAL_MATCH_MODE"); v != "" {
		*sequentialMatchMode = v
	}
	if v := os.Getenv("DIALOGCORE_DB_MODE"); v != "" {
		*dbMode = v
	}
	if v := os.Getenv("DIALOGCORE_PROFILES_NO_VALUE"); v != "" {
		cfg.ProfilesNoValue = parseList(v)
	}
	if v := os.Getenv("DIALOGCORE_PROFILES_WITH_VALUE"); v != "" {
		cfg.ProfilesWithValue = parseList(v)
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSequentialMatchMode(s string) (SequentialMatchMode, bool) {
	switch SequentialMatchMode(s) {
	case MatchStrictID, MatchFallback, MatchNoID:
		return SequentialMatchMode(s), true
	default:
		return "", false
	}
}

func parseDBMode(s string) (DBMode, bool) {
	switch DBMode(s) {
	case DBModeNone, DBModeRealtime, DBModeDelayed, DBModeShutdown:
		return DBMode(s), true
	default:
		return "", false
	}
}

// Validate enforces the configuration-kind error taxonomy entry of
// spec.md §7: a bad startup parameter refuses initialization rather than
// degrading silently.
func (c *Config) Validate() error {
	if c.HashSize < 1 {
		return fmt.Errorf("config: hash-size must be >= 1")
	}
	if c.KeepaliveInterval != 0 && c.KeepaliveInterval < 30*time.Second {
		return fmt.Errorf("config: keepalive-interval must be 0 or >= 30s, got %s", c.KeepaliveInterval)
	}
	if c.KeepProxyRR < 0 || c.KeepProxyRR > 3 {
		return fmt.Errorf("config: keep-proxy-rr must be in 0..3, got %d", c.KeepProxyRR)
	}
	if c.IDStep == 0 {
		return fmt.Errorf("config: id-step must be >= 1")
	}
	return nil
}
