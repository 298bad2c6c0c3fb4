// Command sacnmon is a reference sACN CLI: it can transmit, receive, or
// listen for universe-discovery advertisements, driven by a single TOML
// config file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
