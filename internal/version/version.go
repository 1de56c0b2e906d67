// Package version provides build-time version information.
package version

// Set at build time:
//
//	go build -ldflags "-X github.com/instant-demo/vbrowser-pool/internal/version.Version=1.0.0 \
//	                   -X github.com/instant-demo/vbrowser-pool/internal/version.Commit=$(git rev-parse HEAD)"
var (
	Version = "dev"
	Commit  = "unknown"
)
