package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-sockets/runtime"
	"github.com/wippyai/wasi-sockets/wasi/preview2"
)

type abiRow struct {
	Module   string `yaml:"module" json:"module"`
	Function string `yaml:"function" json:"function"`
	Params   string `yaml:"params" json:"params"`
	Results  string `yaml:"results" json:"results"`
}

func newABICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "abi",
		Short: "List the host functions a core wasm guest can import",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := abiRows(cmd, a.platform == "portable")
			if err != nil {
				return err
			}
			a.print(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}

func abiRows(cmd *cobra.Command, portable bool) ([]abiRow, error) {
	ctx := cmd.Context()
	rt, err := runtime.New(ctx)
	if err != nil {
		return nil, err
	}
	defer rt.Close(ctx)

	if _, err := rt.RegisterWASI(preview2.New().WithPortablePlatform(portable)); err != nil {
		return nil, err
	}

	var rows []abiRow
	l := rt.Linker()
	for _, name := range l.Namespaces() {
		ns := l.Namespace(name)
		for _, fn := range ns.FuncNames() {
			def := ns.GetFunc(fn)
			rows = append(rows, abiRow{
				Module:   name,
				Function: fn,
				Params:   typeList(def.ParamTypes),
				Results:  typeList(def.ResultTypes),
			})
		}
	}
	return rows, nil
}

func typeList(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return "(" + strings.Join(names, ", ") + ")"
}
