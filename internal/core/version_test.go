package core

import "testing"

func TestIsPseudoVersion(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"v0.0.0-20240101120000-abcdef123456", true},
		{"v1.2.3", false},
		{"v1.2.3-rc1", false},
		{"devel", false},
		{"v1.2.4-0.20240101120000-abcdef123456", true},
	}

	for _, tt := range tests {
		if got := isPseudoVersion(tt.version); got != tt.want {
			t.Errorf("isPseudoVersion(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestFormatVersion(t *testing.T) {
	if got := FormatVersion("v1.2.3"); got != "1.2.3" {
		t.Errorf("Expected v prefix stripped, got %q", got)
	}
	if got := FormatVersion(""); got != "devel" {
		t.Errorf("Expected devel for empty version, got %q", got)
	}
	if got := FormatVersion("devel-abc1234"); got != "devel-abc1234" {
		t.Errorf("Expected local version unchanged, got %q", got)
	}
}

func TestVersionIsSet(t *testing.T) {
	if Version == "" {
		t.Error("Expected Version to be initialized")
	}
}
