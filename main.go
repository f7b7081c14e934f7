// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for Hostmove.
//
// Usage:
//
//	go run . [command] [flags]
//	./hostmove export
//	./hostmove import migrate-20260301T120000Z.pkg /srv
//
// See --help for the full command list.
package main

import (
	"errors"
	"os"

	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/ui/cli"
)

func main() {
	err := cli.Execute()
	if err != nil {
		// Commands that return an ExitError have already printed a summary.
		var ee *cli.ExitError
		if !errors.As(err, &ee) {
			logging.Errorf("%v", err)
		}
	}
	os.Exit(cli.ExitCode(err))
}
