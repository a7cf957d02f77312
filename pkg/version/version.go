// Package version holds build metadata set through -ldflags -X.
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
