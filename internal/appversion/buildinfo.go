// Package appversion provides the callctl version stamped at build time.
package appversion

// version is set at build time via -ldflags "-X callctl/internal/appversion.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the current version.
func String() string {
	return version
}
