package version

// Set at build time via -ldflags, e.g.
// go build -ldflags "-X github.com/pysugar/completion-gateway/internal/version.Version=v0.2.0"
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String renders the build identity for logs and the health endpoint.
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}
