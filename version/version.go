// Package version holds build information, set at link time with -ldflags "-X".
package version

// Package is the overall, canonical project import path under which the package was built.
var Package = "gitlab.com/gitlab-org/database-backfill"

// Version indicates which version of the binary is running. This is set to the latest release tag by hand, always
// suffixed by "+unknown". During build, it will be replaced by the actual version.
var Version = "v0.1.0+unknown"

// Revision is filled with the VCS (e.g. git) revision being used to build the program at linking time.
var Revision = ""

// BuildTime is filled with the build timestamp at linking time.
var BuildTime = ""
