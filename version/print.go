package version

import (
	"fmt"
	"io"
	"os"
)

// FprintVersion outputs the version string to the writer, in the following format, followed by a newline:
//
//	<cmd> <project> <version> (<revision>)
//
// For example, a binary "backfill" built from gitlab.com/gitlab-org/database-backfill with version "v0.1.0" would
// print the following:
//
//	backfill gitlab.com/gitlab-org/database-backfill v0.1.0
func FprintVersion(w io.Writer) {
	_, _ = fmt.Fprintln(w, os.Args[0], Package, Version)
	if Revision != "" || BuildTime != "" {
		_, _ = fmt.Fprintf(w, "revision %s, built %s\n", Revision, BuildTime)
	}
}

// PrintVersion outputs the version information, from Fprint, to stdout.
func PrintVersion() {
	FprintVersion(os.Stdout)
}
