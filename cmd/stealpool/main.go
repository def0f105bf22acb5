// Command stealpool runs broadcast scenarios and throughput measurements
// against stealpool thread pools.
//
//	stealpool scenarios --threads 7 --sleep 5ms
//	stealpool bench --threads 8 --rounds 5000
package main

import (
	"os"

	"github.com/fatih/color"

	"github.com/utkarsh5026/stealpool/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
