package main

import (
	"fmt"
	"os"
)

func main() {
	code, err := newRootCmd().execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}
