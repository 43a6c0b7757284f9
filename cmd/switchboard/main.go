package main

import (
	"os"

	"github.com/Iron-Ham/switchboard/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
