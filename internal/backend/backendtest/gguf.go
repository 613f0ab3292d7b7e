package backendtest

import (
	"bytes"
	"encoding/binary"
)

const ggufAlignment = 32

// GGUF returns a minimal GGUF v3 file holding the general.architecture key
// and one F32 tensor of n elements.
func GGUF(arch string, n int) []byte {
	var b bytes.Buffer
	put := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }
	str := func(s string) {
		put(uint64(len(s)))
		b.WriteString(s)
	}

	b.WriteString("GGUF")
	put(uint32(3)) // version
	put(uint64(1)) // tensors
	put(uint64(1)) // metadata keys

	str("general.architecture")
	put(uint32(8)) // string
	str(arch)

	str("weight")
	put(uint32(1)) // dimensions
	put(uint64(n))
	put(uint32(0)) // F32
	put(uint64(0)) // data offset

	for b.Len()%ggufAlignment != 0 {
		b.WriteByte(0)
	}
	b.Write(make([]byte, 4*n))

	return b.Bytes()
}
