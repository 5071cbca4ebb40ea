package security

import (
	"testing"
	"time"
)

func TestValidateRef_AllowsEmptyAndRelative(t *testing.T) {
	g := NewImageRefGuard()

	if err := g.ValidateRef(""); err != nil {
		t.Errorf("empty ref should be valid: %v", err)
	}
	if err := g.ValidateRef("/static/node_42.png"); err != nil {
		t.Errorf("engine-relative ref should be valid: %v", err)
	}
}

func TestValidateRef_RejectsProtocolRelative(t *testing.T) {
	g := NewImageRefGuard()

	if err := g.ValidateRef("//evil.example/x.png"); err == nil {
		t.Error("protocol-relative ref should be rejected")
	}
}

func TestValidateRef_TrustedOriginBypassesChecks(t *testing.T) {
	g := NewImageRefGuard("http://127.0.0.1:8000")

	// 信頼済みオリジンはループバックでも許可される
	if err := g.ValidateRef("http://127.0.0.1:8000/static/img.png"); err != nil {
		t.Errorf("trusted origin should be allowed: %v", err)
	}
	// ポート違いは別オリジン
	if err := g.ValidateRef("http://127.0.0.1:9000/static/img.png"); err == nil {
		t.Error("different port is a different origin and should be blocked")
	}
}

func TestValidateRef_BlocksDangerousTargets(t *testing.T) {
	g := NewImageRefGuard()

	tests := []struct {
		name string
		ref  string
	}{
		{"loopback IP", "http://127.0.0.1/img.png"},
		{"private 10.x", "http://10.0.0.5/img.png"},
		{"private 192.168.x", "https://192.168.1.1/img.png"},
		{"private 172.16.x", "http://172.16.0.1/img.png"},
		{"metadata IP", "http://169.254.169.254/latest/meta-data/"},
		{"IPv6 loopback", "http://[::1]/img.png"},
		{"localhost hostname", "http://localhost/img.png"},
		{"file scheme", "file:///etc/passwd"},
		{"javascript scheme", "javascript:alert(1)"},
		{"data scheme", "data:image/png;base64,AAAA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.ValidateRef(tt.ref); err == nil {
				t.Errorf("ValidateRef(%q) should be rejected", tt.ref)
			}
		})
	}
}

func TestValidateRef_AllowsPublicHosts(t *testing.T) {
	g := NewImageRefGuard()

	tests := []string{
		"https://cdn.example.com/images/node.png",
		"http://images.example.org/a/b.jpg",
		"https://93.184.216.34/img.png",
	}
	for _, ref := range tests {
		if err := g.ValidateRef(ref); err != nil {
			t.Errorf("ValidateRef(%q) = %v, want nil", ref, err)
		}
	}
}

func TestSafeClient_ReturnsConfiguredClient(t *testing.T) {
	g := NewImageRefGuard()

	client := g.SafeClient(5 * time.Second)
	if client == nil {
		t.Fatal("SafeClient returned nil")
	}
}
