package main

import (
	"os"

	"github.com/SauersML/hpc-queue/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
