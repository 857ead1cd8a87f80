package utils

// Set via ldflags at build time.
var (
	// Tag is the git tag this binary was built from.
	Tag string
	// GitHash is the commit hash this binary was built from.
	GitHash string
	// BuildStamp is the UTC build time.
	BuildStamp string
)
