// Command ralph-review is the thin CLI entrypoint over the review-cycle
// engine. It only calls internal/cmd, which holds the cobra/viper wiring,
// flag parsing, and signal registration, and exits with its exit code.
package main

import (
	"os"

	"github.com/ralph-review/ralph-review/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
