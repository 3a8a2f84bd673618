package main

import (
	"os"

	"github.com/quantforge/gpuscheduler/cmd/scheduler/cmd"
	"github.com/quantforge/gpuscheduler/internal/common"
)

func main() {
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
