// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package params

import (
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	if Version != "1.0.0" {
		t.Errorf("Unexpected version %s", Version)
	}
	if VersionWithMeta != "1.0.0-alpha" {
		t.Errorf("Unexpected version with meta %s", VersionWithMeta)
	}
	if v := VersionWithCommit("0123456789abcdef"); v != "1.0.0-alpha-01234567" {
		t.Errorf("Unexpected version with commit %s", v)
	}
	if v := VersionWithCommit("abc"); v != VersionWithMeta {
		t.Errorf("Short commits should be ignored, got %s", v)
	}
	if ua := UserAgent(""); !strings.HasPrefix(ua, "whisper/v1.0.0-alpha/") {
		t.Errorf("Unexpected user agent %s", ua)
	}
}
