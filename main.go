package main

import (
	"os"

	"minicdp/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
