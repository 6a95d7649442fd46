package main

import "runtime/debug"

const name = "spamgate"

// version is set at build time with -ldflags "-X main.version=...".
// Otherwise it comes from the module build info.
var version string

func init() {
	if version == "" {
		version = buildVersion()
	}
}

func buildVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}
