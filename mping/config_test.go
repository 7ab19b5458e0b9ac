package mping

import (
	"fmt"
	"strings"
	"testing"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "plain icmp defaults",
			cfg:  Config{WindowSize: 4, DstHost: "127.0.0.1"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.PacketSize != defaultPacketSize {
					t.Errorf("PacketSize = %d, want default %d", cfg.PacketSize, defaultPacketSize)
				}
				if len(cfg.destIPs) == 0 {
					t.Errorf("destination not resolved")
				}
			},
		},
		{
			name: "missing host",
			cfg:  Config{WindowSize: 4},
			wantErr: true,
		},
		{
			name: "sweep selector",
			cfg:  Config{WindowSize: 2, LoopSize: -2, DstHost: "127.0.0.1"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.PacketSize != 0 {
					t.Errorf("PacketSize = %d, want 0 with a sweep selector", cfg.PacketSize)
				}
			},
		},
		{
			name:    "sweep selector out of range",
			cfg:     Config{WindowSize: 2, LoopSize: -5, DstHost: "127.0.0.1"},
			wantErr: true,
		},
		{
			name: "auto ttl forces ttl",
			cfg:  Config{WindowSize: 2, IncTTL: 3, DstHost: "127.0.0.1"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.TTL != 3 {
					t.Errorf("TTL = %d, want forced to IncTTL 3", cfg.TTL)
				}
			},
		},
		{
			name: "ttl clamped",
			cfg:  Config{WindowSize: 2, TTL: 4711, DstHost: "127.0.0.1"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.TTL != 255 {
					t.Errorf("TTL = %d, want clamped to 255", cfg.TTL)
				}
			},
		},
		{
			name:    "burst over window",
			cfg:     Config{WindowSize: 4, Burst: 5, DstHost: "127.0.0.1"},
			wantErr: true,
		},
		{
			name:    "port without udp transport",
			cfg:     Config{WindowSize: 4, DstPort: 33434, DstHost: "127.0.0.1"},
			wantErr: true,
		},
		{
			name: "client mode defaults ttl",
			cfg:  Config{WindowSize: 4, ClientMode: true, DstPort: 5000, DstHost: "127.0.0.1"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.TTL != defaultTTL {
					t.Errorf("TTL = %d, want client-mode default %d", cfg.TTL, defaultTTL)
				}
			},
		},
		{
			name:    "client mode without port",
			cfg:     Config{WindowSize: 4, ClientMode: true, DstHost: "127.0.0.1"},
			wantErr: true,
		},
		{
			name:    "packet size too small",
			cfg:     Config{WindowSize: 4, PacketSize: 32, DstHost: "127.0.0.1"},
			wantErr: true,
		},
		{
			name:    "packet size too large",
			cfg:     Config{WindowSize: 4, PacketSize: 70000, DstHost: "127.0.0.1"},
			wantErr: true,
		},
		{
			name:    "bad source address",
			cfg:     Config{WindowSize: 4, SrcAddr: "not-an-ip", DstHost: "127.0.0.1"},
			wantErr: true,
		},
		{
			name:    "zero window",
			cfg:     Config{WindowSize: 0, DstHost: "127.0.0.1"},
			wantErr: true,
		},
		{
			name:    "unresolvable host",
			cfg:     Config{WindowSize: 4, DstHost: "host.invalid."},
			wantErr: true,
		},
		{
			name: "server mode ok",
			cfg:  Config{ServerPort: 5000, ServerIPv4: true},
		},
		{
			name:    "server mode without family",
			cfg:     Config{ServerPort: 5000},
			wantErr: true,
		},
		{
			name:    "server mode with both families",
			cfg:     Config{ServerPort: 5000, ServerIPv4: true, ServerIPv6: true},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.warnf = func(string, ...interface{}) {} // keep test output quiet
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && tt.check != nil {
				tt.check(t, &tt.cfg)
			}
		})
	}
}

func TestConfig_ValidateWarnsOnClamp(t *testing.T) {
	var warnings []string
	cfg := Config{WindowSize: 4, TTL: 4711, IncTTL: 300, DstHost: "127.0.0.1"}
	cfg.warnf = func(format string, args ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.TTL != 255 || cfg.IncTTL != 255 {
		t.Errorf("TTL = %d, IncTTL = %d, want both clamped to 255", cfg.TTL, cfg.IncTTL)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings %q, want 1", len(warnings), warnings)
	}
	if !strings.Contains(warnings[0], "auto-increment TTL 300") {
		t.Errorf("warning %q does not name the clamped value", warnings[0])
	}
}
