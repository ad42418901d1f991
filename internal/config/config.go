// Package config manages the gorouted daemon configuration using
// koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete daemon configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	// VRF is the network namespace / VRF the instances bind to.
	VRF string `koanf:"vrf"`

	BFD  BFDConfig    `koanf:"bfd"`
	BGP  BGPConfig    `koanf:"bgp"`
	OSPF []OSPFConfig `koanf:"ospf"`
	ISIS ISISConfig   `koanf:"isis"`
	LDP  LDPConfig    `koanf:"ldp"`
	RIP  []RIPConfig  `koanf:"rip"`
	VRRP []VRRPConfig `koanf:"vrrp"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// BFDConfig holds BFD defaults and static sessions.
type BFDConfig struct {
	Enabled                 bool               `koanf:"enabled"`
	DefaultDesiredMinTx     time.Duration      `koanf:"default_desired_min_tx"`
	DefaultRequiredMinRx    time.Duration      `koanf:"default_required_min_rx"`
	DefaultDetectMultiplier uint32             `koanf:"default_detect_multiplier"`
	Sessions                []BFDSessionConfig `koanf:"sessions"`
}

// BFDSessionConfig describes one static BFD session.
type BFDSessionConfig struct {
	Peer      string `koanf:"peer"`
	Local     string `koanf:"local"`
	Interface string `koanf:"interface"`
	// Type is "single_hop" or "multi_hop".
	Type string `koanf:"type"`
}

// BGPConfig holds the BGP instance configuration.
type BGPConfig struct {
	Enabled   bool   `koanf:"enabled"`
	ASN       uint32 `koanf:"asn"`
	RouterID  string `koanf:"router_id"`
	ClusterID string `koanf:"cluster_id"`
	Distance  uint32 `koanf:"distance"`

	AlwaysCompareMed    bool `koanf:"always_compare_med"`
	IgnoreASPathLen     bool `koanf:"ignore_as_path_length"`
	MultipathEnabled    bool `koanf:"multipath"`
	EbgpAllowMultipleAS bool `koanf:"ebgp_allow_multiple_as"`

	Neighbors []BGPNeighborConfig `koanf:"neighbors"`
}

// BGPNeighborConfig describes one BGP peer.
type BGPNeighborConfig struct {
	Address  string        `koanf:"address"`
	PeerASN  uint32        `koanf:"peer_asn"`
	Local    string        `koanf:"local"`
	HoldTime time.Duration `koanf:"hold_time"`
	Passive  bool          `koanf:"passive"`
}

// OSPFConfig holds one OSPF instance (v2 or v3).
type OSPFConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Version     uint8  `koanf:"version"`
	RouterID    string `koanf:"router_id"`
	ExtendedLsa bool   `koanf:"extended_lsa"`
	Distance    uint32 `koanf:"distance"`

	Areas []OSPFAreaConfig `koanf:"areas"`
}

// OSPFAreaConfig describes one area.
type OSPFAreaConfig struct {
	ID string `koanf:"id"`
	// Type is "normal", "stub", or "nssa".
	Type               string                `koanf:"type"`
	SummaryDefaultCost uint32                `koanf:"summary_default_cost"`
	Ranges             []string              `koanf:"ranges"`
	Interfaces         []OSPFInterfaceConfig `koanf:"interfaces"`
}

// OSPFInterfaceConfig describes one OSPF interface.
type OSPFInterfaceConfig struct {
	Name          string        `koanf:"name"`
	Cost          uint16        `koanf:"cost"`
	Priority      uint8         `koanf:"priority"`
	HelloInterval time.Duration `koanf:"hello_interval"`
	DeadInterval  time.Duration `koanf:"dead_interval"`
	Passive       bool          `koanf:"passive"`
	PointToPoint  bool          `koanf:"point_to_point"`
}

// ISISConfig holds the IS-IS instance configuration.
type ISISConfig struct {
	Enabled  bool   `koanf:"enabled"`
	SystemID string `koanf:"system_id"`
	AreaID   string `koanf:"area_id"`
	// LevelType is "level-1", "level-2", or "level-1-2".
	LevelType   string `koanf:"level_type"`
	Hostname    string `koanf:"hostname"`
	WideMetrics bool   `koanf:"wide_metrics"`
	Distance    uint32 `koanf:"distance"`

	Interfaces []ISISInterfaceConfig `koanf:"interfaces"`
}

// ISISInterfaceConfig describes one IS-IS circuit.
type ISISInterfaceConfig struct {
	Name          string        `koanf:"name"`
	Metric        uint32        `koanf:"metric"`
	PointToPoint  bool          `koanf:"point_to_point"`
	HelloInterval time.Duration `koanf:"hello_interval"`
	Priority      uint8         `koanf:"priority"`
}

// LDPConfig holds the LDP instance configuration.
type LDPConfig struct {
	Enabled       bool     `koanf:"enabled"`
	LSRID         string   `koanf:"lsr_id"`
	TransportAddr string   `koanf:"transport_address"`
	Interfaces    []string `koanf:"interfaces"`
	TargetedPeers []string `koanf:"targeted_peers"`
}

// RIPConfig holds one RIP instance (v2 or ng).
type RIPConfig struct {
	Enabled        bool          `koanf:"enabled"`
	IPv6           bool          `koanf:"ipv6"`
	UpdateInterval time.Duration `koanf:"update_interval"`
	Distance       uint32        `koanf:"distance"`

	Interfaces []RIPInterfaceConfig `koanf:"interfaces"`
}

// RIPInterfaceConfig describes one RIP interface.
type RIPInterfaceConfig struct {
	Name string `koanf:"name"`
	Cost uint32 `koanf:"cost"`
	// SplitHorizon is "simple", "poison_reverse", or "disabled".
	SplitHorizon string `koanf:"split_horizon"`
	AuthKey      string `koanf:"auth_key"`
}

// VRRPConfig describes one virtual router.
type VRRPConfig struct {
	Enabled       bool          `koanf:"enabled"`
	VRID          uint8         `koanf:"vrid"`
	Version       uint8         `koanf:"version"`
	Interface     string        `koanf:"interface"`
	VirtualIPs    []string      `koanf:"virtual_ips"`
	Priority      uint8         `koanf:"priority"`
	Owner         bool          `koanf:"owner"`
	Preempt       bool          `koanf:"preempt"`
	AdverInterval time.Duration `koanf:"adver_interval"`
}

// -------------------------------------------------------------------------
// Loading
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrMissingASN         = errors.New("bgp asn is required")
	ErrMissingRouterID    = errors.New("router id is required")
	ErrInvalidVRID        = errors.New("vrid must be 1-255")
	ErrDuplicateVRID      = errors.New("duplicate vrid on interface")
	ErrInvalidSessionType = errors.New("session type must be single_hop or multi_hop")
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9342", Path: "/metrics"},
		BFD: BFDConfig{
			DefaultDesiredMinTx:     time.Second,
			DefaultRequiredMinRx:    time.Second,
			DefaultDetectMultiplier: 3,
		},
	}
}

// Load reads the configuration from path, layering environment
// overrides (GOROUTED_ prefix) on top, and validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("GOROUTED_", ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyMapper maps GOROUTED_LOG_LEVEL to log.level.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, "GOROUTED_")
	return strings.ReplaceAll(strings.ToLower(s), "_", ".")
}

// Validate rejects invalid configuration without partial application.
func Validate(cfg *Config) error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, cfg.Log.Format)
	}

	if err := validateBFD(&cfg.BFD); err != nil {
		return err
	}
	if err := validateBGP(&cfg.BGP); err != nil {
		return err
	}
	if err := validateVRRP(cfg.VRRP); err != nil {
		return err
	}
	return nil
}

func validateBFD(cfg *BFDConfig) error {
	for _, sess := range cfg.Sessions {
		if _, err := netip.ParseAddr(sess.Peer); err != nil {
			return fmt.Errorf("bfd session peer %q: %w", sess.Peer, ErrInvalidAddress)
		}
		switch sess.Type {
		case "", "single_hop", "multi_hop":
		default:
			return fmt.Errorf("%w: %q", ErrInvalidSessionType, sess.Type)
		}
		if sess.Type == "multi_hop" {
			if _, err := netip.ParseAddr(sess.Local); err != nil {
				return fmt.Errorf("bfd multi-hop session local %q: %w", sess.Local, ErrInvalidAddress)
			}
		}
	}
	return nil
}

func validateBGP(cfg *BGPConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.ASN == 0 {
		return ErrMissingASN
	}
	if cfg.RouterID == "" {
		return ErrMissingRouterID
	}
	if _, err := netip.ParseAddr(cfg.RouterID); err != nil {
		return fmt.Errorf("bgp router id %q: %w", cfg.RouterID, ErrInvalidAddress)
	}
	for _, nbr := range cfg.Neighbors {
		if _, err := netip.ParseAddr(nbr.Address); err != nil {
			return fmt.Errorf("bgp neighbor %q: %w", nbr.Address, ErrInvalidAddress)
		}
		if nbr.PeerASN == 0 {
			return fmt.Errorf("bgp neighbor %s: %w", nbr.Address, ErrMissingASN)
		}
	}
	return nil
}

func validateVRRP(cfgs []VRRPConfig) error {
	seen := make(map[string]map[uint8]bool)
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if cfg.VRID == 0 {
			return ErrInvalidVRID
		}
		if seen[cfg.Interface] == nil {
			seen[cfg.Interface] = make(map[uint8]bool)
		}
		if seen[cfg.Interface][cfg.VRID] {
			return fmt.Errorf("%w: vrid %d on %s", ErrDuplicateVRID, cfg.VRID, cfg.Interface)
		}
		seen[cfg.Interface][cfg.VRID] = true
		for _, ip := range cfg.VirtualIPs {
			if _, err := netip.ParseAddr(ip); err != nil {
				return fmt.Errorf("vrrp vrid %d virtual ip %q: %w", cfg.VRID, ip, ErrInvalidAddress)
			}
		}
	}
	return nil
}

// ParseLogLevel maps the configured level to slog.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RouterID parses a dotted-quad router id into its numeric form.
func RouterID(s string) (uint32, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("router id %q: %w", s, ErrInvalidAddress)
	}
	a4 := addr.As4()
	return uint32(a4[0])<<24 | uint32(a4[1])<<16 | uint32(a4[2])<<8 | uint32(a4[3]), nil
}
