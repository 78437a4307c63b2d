package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCmd()
	root.SilenceErrors = true
	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func printError(msg string) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+msg))
}
