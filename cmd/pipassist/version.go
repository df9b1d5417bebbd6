package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chenpipi0807/PIP-Assistant/internal/runtime"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pipassist version %s\n", runtime.Version)
		},
	}
}
