package version

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String formats the build identifier for a binary's -v output.
func String(binary string) string {
	return binary + " version=" + Build
}
