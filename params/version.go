// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package params

import (
	"fmt"
	"runtime"
)

// ClientIdentifier is the name reported by the CLI and the RPC API
const ClientIdentifier = "whisper"

// Version information
const (
	VersionMajor = 1       // Major version component
	VersionMinor = 0       // Minor version component
	VersionPatch = 0       // Patch version component
	VersionMeta  = "alpha" // Version metadata
)

// Standards implemented by this client
const (
	StealthAddressERC = 5564 // Announcements and stealth address scheme
	RegistryERC       = 6538 // Meta-address registry
)

// Version holds the textual version string
var Version = func() string {
	return fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}()

// VersionWithMeta holds the textual version string including metadata
var VersionWithMeta = func() string {
	v := Version
	if VersionMeta != "" {
		v += "-" + VersionMeta
	}
	return v
}()

// VersionWithCommit returns the version string with an abbreviated commit
// hash, if one is known.
func VersionWithCommit(gitCommit string) string {
	v := VersionWithMeta
	if len(gitCommit) >= 8 {
		v += "-" + gitCommit[:8]
	}
	return v
}

// UserAgent returns the client identifier with version and platform,
// e.g. whisper/v1.0.0-alpha/linux-amd64/go1.23.4.
func UserAgent(gitCommit string) string {
	return fmt.Sprintf("%s/v%s/%s-%s/%s", ClientIdentifier, VersionWithCommit(gitCommit),
		runtime.GOOS, runtime.GOARCH, runtime.Version())
}
