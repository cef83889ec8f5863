package main

import (
	_ "embed"

	"github.com/spf13/cobra"
)

//go:embed demo.yaml
var demoScenario []byte

func newDemoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run the built-in listen/connect/accept/exchange scenario on loopback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := ParseScenario(demoScenario)
			if err != nil {
				return err
			}
			return a.runScenario(cmd, sc)
		},
	}
}
