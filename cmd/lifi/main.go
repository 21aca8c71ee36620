package main

import (
	"os"

	"github.com/kleros/lifi-sdk/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
