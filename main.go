// The main package for the batchpilot executable.
package main

import (
	"github.com/batchpilot/batchpilot/cmd"
)

func main() {
	cmd.Execute()
}
