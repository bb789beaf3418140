package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Build metadata stamped by the main package's ldflags. Anything missing
// (go install, go run) is recovered from the binary's embedded build info.
var (
	version   string
	gitCommit string
	buildDate string
)

// readBuildInfo is swapped by tests.
var readBuildInfo = debug.ReadBuildInfo

// SetVersionInfo records the ldflags build metadata from the main package.
func SetVersionInfo(v, commit, date string) {
	version, gitCommit, buildDate = v, commit, date
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and version information",
	Run: func(cmd *cobra.Command, args []string) {
		color.New(color.FgCyan, color.Bold).Printf("tideline %s\n", buildVersion())
		fmt.Print(buildDetails())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// buildVersion resolves the release version: ldflags first, then the module
// version the toolchain stamped, then plain "dev".
func buildVersion() string {
	if version != "" && version != "dev" {
		return version
	}
	if bi, ok := readBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}

// buildDetails renders commit, build date, and toolchain as one indented
// block. Commits are shortened to 12 characters and flagged when the
// working tree was modified at build time.
func buildDetails() string {
	commit, date := gitCommit, buildDate
	var dirty bool
	if commit == "" || date == "" {
		rev, at, mod := vcsInfo()
		if commit == "" {
			commit = rev
			dirty = mod
		}
		if date == "" {
			date = at
		}
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		commit = "unknown"
	}
	if dirty {
		commit += " (modified)"
	}
	if date == "" {
		date = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  commit:  %s\n", commit)
	fmt.Fprintf(&b, "  built:   %s\n", date)
	fmt.Fprintf(&b, "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return b.String()
}

// vcsInfo pulls revision, commit time, and dirty state from the build
// settings embedded by the Go toolchain.
func vcsInfo() (revision, at string, dirty bool) {
	bi, ok := readBuildInfo()
	if !ok {
		return "", "", false
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			at = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	return revision, at, dirty
}
