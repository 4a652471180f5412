// Package testwasm holds tiny hand-assembled WASM modules used by
// engine and end-to-end tests. Keeping the raw encodings here avoids a
// build-time wat toolchain.
package testwasm

// AddModule exports add(i32, i32) -> i32.
//
//	(module
//	  (func (export "add") (param i32 i32) (result i32)
//	    local.get 0
//	    local.get 1
//	    i32.add))
var AddModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

// EchoModule exports one page of memory and echo(i32) -> i32, which
// returns its argument unchanged. With string marshalling that makes
// it an identity function over serialized strings.
//
//	(module
//	  (memory (export "memory") 1)
//	  (func (export "echo") (param i32) (result i32)
//	    local.get 0))
var EchoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x11, 0x02,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x04, 0x65, 0x63, 0x68, 0x6f, 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x20, 0x00, 0x0b,
}

// ExitModule imports wasi_snapshot_preview1.proc_exit and exports
// bail(i32) -> i32, which calls proc_exit with its argument and never
// returns normally.
//
//	(module
//	  (import "wasi_snapshot_preview1" "proc_exit" (func (param i32)))
//	  (func (export "bail") (param i32) (result i32)
//	    local.get 0
//	    call 0
//	    i32.const 7))
var ExitModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02,
	0x60, 0x01, 0x7f, 0x00,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x02, 0x24, 0x01,
	0x16, 0x77, 0x61, 0x73, 0x69, 0x5f, 0x73, 0x6e, 0x61, 0x70, 0x73, 0x68,
	0x6f, 0x74, 0x5f, 0x70, 0x72, 0x65, 0x76, 0x69, 0x65, 0x77, 0x31,
	0x09, 0x70, 0x72, 0x6f, 0x63, 0x5f, 0x65, 0x78, 0x69, 0x74,
	0x00, 0x00,
	0x03, 0x02, 0x01, 0x01,
	0x07, 0x08, 0x01, 0x04, 0x62, 0x61, 0x69, 0x6c, 0x00, 0x01,
	0x0a, 0x0a, 0x01, 0x08, 0x00, 0x20, 0x00, 0x10, 0x00, 0x41, 0x07, 0x0b,
}
