// Command geosync runs a Geo replication secondary.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/geosync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
