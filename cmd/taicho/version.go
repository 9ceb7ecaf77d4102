package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Taicho/common/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			fp := version.Capture(ctx)
			fmt.Println(version.Info())
			fmt.Printf("Branch: %s\nCommit: %s\nRuntime: %s\n",
				fp.GitBranch, fp.GitCommit, fp.RuntimeVersion)
			return nil
		},
	}
}
