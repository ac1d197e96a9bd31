package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that every routed calendar collection exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			entries := a.router.Table().Entries()
			if missing := a.checkCollections(cmd.Context()); missing > 0 {
				return fmt.Errorf("%d of %d collection(s) not usable", missing, len(entries))
			}
			a.logger.Info("all collections reachable", "routes", len(entries))
			return nil
		},
	}
}
