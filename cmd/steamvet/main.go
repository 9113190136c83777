// steamvet validates Steam profiles through rate-limit-aware dispatch.
package main

import (
	"os"

	"github.com/steamvet/steamvet/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
