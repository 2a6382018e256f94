package tlsconfig

import (
	"crypto/tls"
	"testing"
)

func TestApplyVersionProfile(t *testing.T) {
	cfg := &tls.Config{}
	ApplyVersionProfile(cfg, ProfileSecure)
	if cfg.MinVersion != VersionTLS12 || cfg.MaxVersion != VersionTLS13 {
		t.Fatalf("got min=0x%x max=0x%x, want TLS 1.2-1.3", cfg.MinVersion, cfg.MaxVersion)
	}
}

func TestApplyCipherSuitesByMinVersion(t *testing.T) {
	cfg := &tls.Config{}
	ApplyCipherSuites(cfg, VersionTLS13)
	if cfg.CipherSuites != nil {
		t.Fatalf("expected TLS 1.3 to leave CipherSuites nil (automatic), got %v", cfg.CipherSuites)
	}

	ApplyCipherSuites(cfg, VersionTLS12)
	if len(cfg.CipherSuites) != len(CipherSuitesTLS12Secure) {
		t.Fatalf("expected the TLS 1.2 secure suite list to be applied")
	}
}

func TestIsVersionDeprecated(t *testing.T) {
	if !IsVersionDeprecated(VersionTLS11) {
		t.Fatalf("expected TLS 1.1 to be deprecated")
	}
	if IsVersionDeprecated(VersionTLS12) {
		t.Fatalf("expected TLS 1.2 not to be deprecated")
	}
}

func TestGetVersionName(t *testing.T) {
	if GetVersionName(VersionTLS13) != "TLS 1.3" {
		t.Fatalf("got %q", GetVersionName(VersionTLS13))
	}
}
