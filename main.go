package main

import (
	"fmt"
	"os"

	"github.com/chainlab/testchain/cmd"
	"github.com/chainlab/testchain/cmd/exitcodes"
)

func main() {
	err := cmd.Execute()

	// Obtain the actual error and exit code, if any.
	err, exitCode := exitcodes.GetInnerErrorAndExitCode(err)
	if err != nil {
		fmt.Println(err)
	}
	if exitCode != exitcodes.ExitCodeSuccess {
		os.Exit(exitCode)
	}
}
