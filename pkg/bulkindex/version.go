package bulkindex

// Version is the semantic version of the bulkindex library.
// It can be overridden at build time using:
//
//	go build -ldflags "-X github.com/CVDpl/go-bulkindex/pkg/bulkindex.Version=1.0.0"
//
// Default value follows SemVer.
var Version = "0.9.0"
