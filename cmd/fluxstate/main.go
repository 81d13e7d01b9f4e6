// Command fluxstate administers a fluxstate run-state database.
package main

import (
	"context"
	"os"
)

func main() {
	if err := RootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
