// Package main is the operational CLI: admin bootstrap and repair, backups
// and a smoke test against a live project.
//
// Exit codes: 0 success, 1 runtime failure, 2 configuration or usage error.
package main

import "os"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, openApp))
}
