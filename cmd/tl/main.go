// tl is the Trunkline CLI for coordinating merges into a shared trunk.
package main

import (
	"os"

	"github.com/trunkline-dev/trunkline/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
