package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/voluzi/process-exporter/cmd/process-exporter/cmd"
)

func main() {
	cmd.Execute()
}
