package main

import (
	"github.com/Paintersrp/kernelsup/internal/cli"
	"github.com/Paintersrp/kernelsup/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
