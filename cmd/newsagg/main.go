// CLAUDE:SUMMARY Entry point for the newsagg binary: cobra commands serve, refresh, sources, probe, mcp, version.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
