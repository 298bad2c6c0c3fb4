package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patchbay/sacn/socket"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List interfaces libpcap can capture on",
	RunE:  runInterfaces,
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	names, err := socket.ListInterfaces()
	if err != nil {
		return fmt.Errorf("sacnmon: listing capture interfaces: %w", err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
