// Command batchpoolctl creates, runs and inspects batch jobs against a
// durable store.
package main

import (
	"os"
)

func main() {
	rootCmd, a := newRootCmd()
	err := rootCmd.Execute()
	a.close()
	if err != nil {
		os.Exit(1)
	}
}
