package main

import (
	"os"

	"github.com/macomeau/Artifacts-sub002/internal/worker"
)

func main() {
	os.Exit(worker.Run(os.Args[1:]))
}
