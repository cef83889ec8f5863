package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasi-sockets/wasi/preview2/sockets"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Replay a YAML scenario and check every expected code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := LoadScenario(args[0])
			if err != nil {
				return err
			}
			return a.runScenario(cmd, sc)
		},
	}
}

// runScenario executes sc and prints one row per step. The scenario's family
// applies unless --family was given explicitly.
func (a *app) runScenario(cmd *cobra.Command, sc *Scenario) error {
	opts, err := a.socketOptions()
	if err != nil {
		return err
	}

	familyName := a.family
	if sc.Family != "" && !cmd.Flags().Changed("family") {
		familyName = sc.Family
	}
	family, err := sockets.ParseAddressFamily(familyName)
	if err != nil {
		return err
	}

	prefixes, err := a.prefixes()
	if err != nil {
		return err
	}
	for _, s := range sc.Allow {
		p, err := parsePrefix(s)
		if err != nil {
			return err
		}
		prefixes = append(prefixes, p)
	}

	s := newSession(cmd.Context(), opts, family, sockets.NewNetwork(sockets.WithAllow(prefixes...)), a.timeout)
	defer s.Close()

	results, runErr := s.Run(sc)
	a.print(cmd.OutOrStdout(), results)
	if runErr != nil {
		return runErr
	}
	if err := a.printMetrics(cmd.OutOrStdout()); err != nil {
		return err
	}

	if n := Failed(results); n > 0 {
		return fmt.Errorf("%s: %d of %d steps failed", sc.Name, n, len(results))
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d steps passed on %s/%s (%s network)\n", sc.Name, len(results), opts.Platform.Name(), family, s.Scope())
	return nil
}
