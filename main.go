// Command parquedb runs the ParqueDB shard, compaction, and MV refresh
// servers described by cli.RootCmd.
package main

import (
	"log"
	"os"

	"github.com/parquedb/parquedb/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}
