// xrelay-admin is the operator CLI for the durable relay store:
// migrations, pool inspection and manual retention sweeps.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		handleMigrate()
	case "status":
		handleStatus()
	case "sweep":
		handleSweep()
	case "list-relays":
		handleListRelays()
	case "list-deprecated":
		handleListDeprecated()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`xRelay Admin Tool

Usage:
  xrelay-admin <command> [options]

Commands:
  migrate          Manage database schema migrations (up, down, version, force)
  status           Show relay pool status
  sweep            Purge deprecated relays past the retention window
  list-relays      List available relays with their counters
  list-deprecated  List deprecated relays
  help             Show this help message

Examples:
  xrelay-admin migrate up
  xrelay-admin migrate version
  xrelay-admin status --config /etc/xrelay/config.toml
  xrelay-admin sweep --retention 7d
  xrelay-admin list-relays

Use 'xrelay-admin <command> --help' for more information about a command.
`)
}
