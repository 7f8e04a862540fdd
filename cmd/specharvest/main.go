// Command specharvest keeps a per-manufacturer vehicle specification
// catalog up to date from a listing site.
//
// Usage:
//
//	specharvest discover models.csv -o engines.csv
//	specharvest harvest engines.csv
//	specharvest status
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
