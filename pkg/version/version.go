// Package version holds build identity injected at link time.
package version

// Set via -ldflags "-X github.com/drover-io/drover/pkg/version.GitCommit=..."
var (
	GitCommit = "dev"
	Version   = "0.1.0"
)
