package main

import (
	"fmt"
	"os"
)

func main() {
	app := newApp()
	err := newRootCmd(app).Execute()
	app.shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, "perlica:", err)
		os.Exit(1)
	}
}
