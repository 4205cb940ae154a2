package main

import (
	"github.com/Paintersrp/procbind/internal/cli"
	"github.com/Paintersrp/procbind/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
