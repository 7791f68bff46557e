package main

import (
	"os"

	"github.com/kaus98/aigateway/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
