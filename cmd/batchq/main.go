package main

import (
	"os"

	"batchq/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
