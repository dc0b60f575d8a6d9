package main

// ============================================================================
// bootbaker entry point. All logic lives in internal/cli.
// ============================================================================

import (
	"os"

	"github.com/ChuLiYu/bootbaker/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
