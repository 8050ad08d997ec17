// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Comando ncandles: daemon de backfill e ferramentas de inspeção do store de candles.
package main

import (
	"flag"
	"fmt"
	"os"
)

const defaultConfigPath = "/etc/ncandles/ncandles.yaml"

const usage = `usage: ncandles <command> [flags]

commands:
  daemon      run scheduled downloads, lock sweeps and the status API
  once        run every download job once and exit
  inspect     show the on-disk state of the chunk containing a timestamp
  bars        print the bars of a series between two instants as CSV
  lock-info   print the lock record of a chunk
  sweep       remove stale locks and orphan working files
  export      convert a chunk file to Parquet
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "daemon":
		err = cmdDaemon(args)
	case "once":
		err = cmdOnce(args)
	case "inspect":
		err = cmdInspect(args)
	case "bars":
		err = cmdBars(args)
	case "lock-info":
		err = cmdLockInfo(args)
	case "sweep":
		err = cmdSweep(args)
	case "export":
		err = cmdExport(args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	return fs, configPath
}
