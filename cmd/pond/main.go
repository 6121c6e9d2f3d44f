// Command pond stores and retrieves versioned artifacts.
package main

import (
	"fmt"
	"io"
	"os"
)

const cliVersion = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Exit codes.
const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[1] {
	case "write":
		return runWriteCmd(args[2:], stdout, stderr)
	case "read":
		return runReadCmd(args[2:], stdout, stderr)
	case "versions":
		return runVersionsCmd(args[2:], stdout, stderr)
	case "latest":
		return runLatestCmd(args[2:], stdout, stderr)
	case "manifest":
		return runManifestCmd(args[2:], stdout, stderr)
	case "delete":
		return runDeleteCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "pond %s\n", cliVersion)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "pond - versioned artifact store")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  pond <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "write", "Write a file as a new version (<artifact> <file>)")
	printCommand(w, "read", "Read a version payload (<artifact> [--version v] [--out file])")
	printCommand(w, "versions", "List existing versions (<artifact> [--all])")
	printCommand(w, "latest", "Print the latest version name (<artifact>)")
	printCommand(w, "manifest", "Print a version manifest (<artifact> [--version v])")
	printCommand(w, "delete", "Delete a version (<artifact> <version>)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Storage and defaults come from POND_* environment variables or a .env file.")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
