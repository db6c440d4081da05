// Package versioning holds the build metadata injected through -ldflags.
// Releases follow SemVer.
package versioning

var (
	Version   string // release version
	Commit    string // git commit the binary was built from
	BuildTime string // timestamp of the build
)
