// Command taskmesh runs the task orchestration service and its operator
// tooling.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskmesh:", err)
		os.Exit(1)
	}
}
