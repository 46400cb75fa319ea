// Package version carries build metadata injected at link time.
package version

// Version is set with -ldflags "-X github.com/saworbit/vfsio/internal/version.Version=...".
var Version = "dev"
