// Command relay runs the encrypted multi-party message relay.
package main

import (
	"fmt"
	"os"

	"relay/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}
