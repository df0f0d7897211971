package testsign

// A minimal, hand-assembled WASM module exercising the real plugin ABI
// (spec §6: alloc/plugin_init/plugin_execute/plugin_cleanup), built
// directly in the binary format rather than from a compiled guest, so
// both internal/sandbox's and internal/manager's tests can drive
// Load/Init/Execute/Unload against something closer to a real plugin
// than a mock. It exports:
//
//	alloc(size i32) -> i32          always returns a fixed scratch pointer
//	plugin_init(ptr,len i32) -> i32 always returns 0
//	plugin_execute(ptr,len i32) -> i64
//	    ignores its input and returns the (ptr,len) of an embedded JSON
//	    response {"status":"ok","result":"hi"}, packed into one i64 the
//	    same way the host unpacks it (high 32 bits ptr, low 32 bits len)
//	plugin_cleanup() -> i32        always returns 0

const (
	FixtureScratchPtr  = 1024
	FixtureRespPtr     = 2048
	FixtureRespPayload = `{"status":"ok","result":"hi"}`
)

func uleb128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

func sleb128(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			out = append(out, b)
			break
		}
		out = append(out, b|0x80)
	}
	return out
}

func wasmSection(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128(uint64(len(content)))...)
	return append(out, content...)
}

func wasmFuncBody(locals, instrs []byte) []byte {
	content := append(append([]byte{}, locals...), instrs...)
	content = append(content, 0x0B) // end
	out := uleb128(uint64(len(content)))
	return append(out, content...)
}

// BuildFixtureWASM assembles the module described above byte-by-byte.
func BuildFixtureWASM() []byte {
	const (
		i32 = 0x7F
		i64 = 0x7E
	)

	// Type section: 0=(i32)->(i32) alloc, 1=(i32,i32)->(i32) plugin_init,
	// 2=(i32,i32)->(i64) plugin_execute, 3=()->(i32) plugin_cleanup.
	typeSec := []byte{0x04}
	typeSec = append(typeSec, 0x60, 0x01, i32, 0x01, i32)
	typeSec = append(typeSec, 0x60, 0x02, i32, i32, 0x01, i32)
	typeSec = append(typeSec, 0x60, 0x02, i32, i32, 0x01, i64)
	typeSec = append(typeSec, 0x60, 0x00, 0x01, i32)

	// Function section: func0->type0, func1->type1, func2->type2, func3->type3.
	funcSec := []byte{0x04, 0x00, 0x01, 0x02, 0x03}

	// Memory section: one memory, 2 pages minimum, no maximum.
	memSec := []byte{0x01, 0x00}
	memSec = append(memSec, uleb128(2)...)

	// Export section.
	exportEntry := func(name string, kind byte, idx uint64) []byte {
		e := uleb128(uint64(len(name)))
		e = append(e, []byte(name)...)
		e = append(e, kind)
		e = append(e, uleb128(idx)...)
		return e
	}
	exportSec := []byte{0x05}
	exportSec = append(exportSec, exportEntry("memory", 0x02, 0)...)
	exportSec = append(exportSec, exportEntry("alloc", 0x00, 0)...)
	exportSec = append(exportSec, exportEntry("plugin_init", 0x00, 1)...)
	exportSec = append(exportSec, exportEntry("plugin_execute", 0x00, 2)...)
	exportSec = append(exportSec, exportEntry("plugin_cleanup", 0x00, 3)...)

	// Code section.
	allocBody := wasmFuncBody([]byte{0x00}, append([]byte{0x41}, sleb128(FixtureScratchPtr)...))

	initBody := wasmFuncBody([]byte{0x00}, []byte{0x41, 0x00})

	var execInstrs []byte
	execInstrs = append(execInstrs, 0x41)
	execInstrs = append(execInstrs, sleb128(FixtureRespPtr)...)
	execInstrs = append(execInstrs, 0xAD)           // i64.extend_i32_u
	execInstrs = append(execInstrs, 0x42)           // i64.const
	execInstrs = append(execInstrs, sleb128(32)...) // shift amount
	execInstrs = append(execInstrs, 0x86)           // i64.shl
	execInstrs = append(execInstrs, 0x41)           // i32.const
	execInstrs = append(execInstrs, sleb128(int64(len(FixtureRespPayload)))...)
	execInstrs = append(execInstrs, 0xAD) // i64.extend_i32_u
	execInstrs = append(execInstrs, 0x84) // i64.or
	execBody := wasmFuncBody([]byte{0x00}, execInstrs)

	cleanupBody := wasmFuncBody([]byte{0x00}, []byte{0x41, 0x00})

	codeSec := []byte{0x04}
	codeSec = append(codeSec, allocBody...)
	codeSec = append(codeSec, initBody...)
	codeSec = append(codeSec, execBody...)
	codeSec = append(codeSec, cleanupBody...)

	// Data section: the JSON response text at FixtureRespPtr.
	dataSeg := []byte{0x00, 0x41}
	dataSeg = append(dataSeg, sleb128(FixtureRespPtr)...)
	dataSeg = append(dataSeg, 0x0B)
	dataSeg = append(dataSeg, uleb128(uint64(len(FixtureRespPayload)))...)
	dataSeg = append(dataSeg, []byte(FixtureRespPayload)...)
	dataSec := []byte{0x01}
	dataSec = append(dataSec, dataSeg...)

	module := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	module = append(module, wasmSection(0x01, typeSec)...)
	module = append(module, wasmSection(0x03, funcSec)...)
	module = append(module, wasmSection(0x05, memSec)...)
	module = append(module, wasmSection(0x07, exportSec)...)
	module = append(module, wasmSection(0x0A, codeSec)...)
	module = append(module, wasmSection(0x0B, dataSec)...)
	return module
}
