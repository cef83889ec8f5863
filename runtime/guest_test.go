package runtime

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-sockets/linker"
)

// guestImport is one host function a test guest imports and re-exports
// under the same name through a trampoline.
type guestImport struct {
	module string
	def    linker.FuncDef
}

func leb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func wasmName(s string) []byte {
	return append(leb128(uint32(len(s))), s...)
}

func wasmVector(items [][]byte) []byte {
	out := leb128(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func wasmSection(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, leb128(uint32(len(content)))...)
	return append(out, content...)
}

func valueTypes(types []api.ValueType) []byte {
	out := leb128(uint32(len(types)))
	for _, t := range types {
		out = append(out, t)
	}
	return out
}

// buildGuest assembles a core module that imports each function, re-exports
// it through a trampoline and exports one page of memory as "memory".
func buildGuest(imports []guestImport) []byte {
	var typesSec, importSec, funcSec, exportSec, codeSec [][]byte
	n := uint32(len(imports))

	for i, imp := range imports {
		idx := uint32(i)

		fnType := []byte{0x60}
		fnType = append(fnType, valueTypes(imp.def.ParamTypes)...)
		fnType = append(fnType, valueTypes(imp.def.ResultTypes)...)
		typesSec = append(typesSec, fnType)

		entry := append(wasmName(imp.module), wasmName(imp.def.Name)...)
		entry = append(entry, 0x00)
		entry = append(entry, leb128(idx)...)
		importSec = append(importSec, entry)

		funcSec = append(funcSec, leb128(idx))

		export := append(wasmName(imp.def.Name), 0x00)
		export = append(export, leb128(n+idx)...)
		exportSec = append(exportSec, export)

		body := []byte{0x00}
		for p := range imp.def.ParamTypes {
			body = append(body, 0x20)
			body = append(body, leb128(uint32(p))...)
		}
		body = append(body, 0x10)
		body = append(body, leb128(idx)...)
		body = append(body, 0x0b)
		codeSec = append(codeSec, append(leb128(uint32(len(body))), body...))
	}
	exportSec = append(exportSec, append(wasmName("memory"), 0x02, 0x00))

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, wasmSection(1, wasmVector(typesSec))...)
	out = append(out, wasmSection(2, wasmVector(importSec))...)
	out = append(out, wasmSection(3, wasmVector(funcSec))...)
	out = append(out, wasmSection(5, []byte{0x01, 0x00, 0x01})...)
	out = append(out, wasmSection(7, wasmVector(exportSec))...)
	out = append(out, wasmSection(10, wasmVector(codeSec))...)
	return out
}
