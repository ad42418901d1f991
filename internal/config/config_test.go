package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gorouted.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Fatalf("log defaults: %+v", cfg.Log)
	}
	if cfg.BFD.DefaultDetectMultiplier != 3 {
		t.Fatalf("bfd defaults: %+v", cfg.BFD)
	}
	if cfg.BFD.DefaultDesiredMinTx != time.Second {
		t.Fatalf("bfd tx default: %v", cfg.BFD.DefaultDesiredMinTx)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
bgp:
  enabled: true
  asn: 65002
  router_id: 2.2.2.2
  multipath: true
  neighbors:
    - address: 10.0.0.1
      peer_asn: 65001
ospf:
  - enabled: true
    version: 2
    router_id: 2.2.2.2
    areas:
      - id: 0.0.0.0
        interfaces:
          - name: eth0
            cost: 10
rip:
  - enabled: true
    interfaces:
      - name: eth1
        split_horizon: poison_reverse
vrrp:
  - enabled: true
    vrid: 7
    interface: eth0
    virtual_ips: [192.0.2.100]
    priority: 200
    preempt: true
bfd:
  sessions:
    - peer: 10.0.0.2
      interface: eth0
      type: single_hop
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.BGP.Enabled || cfg.BGP.ASN != 65002 || len(cfg.BGP.Neighbors) != 1 {
		t.Fatalf("bgp: %+v", cfg.BGP)
	}
	if len(cfg.OSPF) != 1 || len(cfg.OSPF[0].Areas) != 1 {
		t.Fatalf("ospf: %+v", cfg.OSPF)
	}
	if cfg.VRRP[0].VRID != 7 || cfg.VRRP[0].Priority != 200 {
		t.Fatalf("vrrp: %+v", cfg.VRRP)
	}
	if cfg.BFD.Sessions[0].Peer != "10.0.0.2" {
		t.Fatalf("bfd: %+v", cfg.BFD)
	}
}

func TestValidationRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			"bad log level",
			"log:\n  level: loud\n",
			ErrInvalidLogLevel,
		},
		{
			"bgp missing asn",
			"bgp:\n  enabled: true\n  router_id: 1.1.1.1\n",
			ErrMissingASN,
		},
		{
			"bgp bad neighbor",
			"bgp:\n  enabled: true\n  asn: 1\n  router_id: 1.1.1.1\n  neighbors:\n    - address: nonsense\n      peer_asn: 2\n",
			ErrInvalidAddress,
		},
		{
			"vrrp zero vrid",
			"vrrp:\n  - enabled: true\n    vrid: 0\n    interface: eth0\n",
			ErrInvalidVRID,
		},
		{
			"vrrp duplicate vrid",
			"vrrp:\n  - enabled: true\n    vrid: 7\n    interface: eth0\n  - enabled: true\n    vrid: 7\n    interface: eth0\n",
			ErrDuplicateVRID,
		},
		{
			"bfd bad session type",
			"bfd:\n  sessions:\n    - peer: 10.0.0.2\n      type: triple_hop\n",
			ErrInvalidSessionType,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Load = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("GOROUTED_LOG_LEVEL", "warn")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("env override not applied: %q", cfg.Log.Level)
	}
}

func TestRouterID(t *testing.T) {
	id, err := RouterID("1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x01020304 {
		t.Fatalf("RouterID = %x", id)
	}
	if _, err := RouterID("2001:db8::1"); err == nil {
		t.Fatal("IPv6 router id must be rejected")
	}
}
