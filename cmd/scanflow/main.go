// Command scanflow runs the pieces of a scanflow deployment: the master
// that schedules step executions, the workers that run them, and tools to
// load input ranges and inspect failures.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
