// Command syncd is the offline-first sync daemon and its operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		if !cli.Reported(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
