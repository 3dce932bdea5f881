package main

import (
	"os"

	"srd/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:]))
}
