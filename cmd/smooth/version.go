package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	smooth "github.com/circlemind-ai/smooth-go"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagJSON {
				return printJSON(map[string]string{
					"version": smooth.Version,
					"go":      runtime.Version(),
				})
			}
			fmt.Printf("smooth %s (%s %s/%s)\n", smooth.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
