// Package wasmcodec serializes handler arguments into WASM linear
// memory and reads results back out. Strings travel as length-prefixed
// UTF-8; lists of strings as a count followed by that many offsets to
// serialized strings. The writer and reader are symmetric, so a guest
// that echoes an offset hands back exactly what was written.
package wasmcodec

import (
	"encoding/binary"
	"errors"
)

// ErrOutOfMemory is returned when a value does not fit in the remaining
// linear memory.
var ErrOutOfMemory = errors.New("wasm linear memory exhausted")

// ErrBadOffset is returned when a read references memory that is not
// a well-formed serialized value.
var ErrBadOffset = errors.New("offset does not point at a serialized value")

const headerSize = 4

// SizeOfString returns the serialized footprint of s.
func SizeOfString(s string) uint32 {
	return headerSize + uint32(len(s))
}

// SizeOfList returns the serialized footprint of a list of strings,
// including its element strings.
func SizeOfList(list []string) uint32 {
	size := headerSize + uint32(len(list))*4
	for _, s := range list {
		size += SizeOfString(s)
	}
	return size
}

// WriteString serializes s at offset and returns the offset of the
// value, which is what gets passed to the handler.
func WriteString(mem []byte, offset uint32, s string) (uint32, error) {
	need := SizeOfString(s)
	if uint64(offset)+uint64(need) > uint64(len(mem)) {
		return 0, ErrOutOfMemory
	}
	binary.LittleEndian.PutUint32(mem[offset:], uint32(len(s)))
	copy(mem[offset+headerSize:], s)
	return offset, nil
}

// ReadString deserializes a string written by WriteString.
func ReadString(mem []byte, offset uint32) (string, error) {
	if uint64(offset)+headerSize > uint64(len(mem)) {
		return "", ErrBadOffset
	}
	n := binary.LittleEndian.Uint32(mem[offset:])
	start := uint64(offset) + headerSize
	if start+uint64(n) > uint64(len(mem)) {
		return "", ErrBadOffset
	}
	return string(mem[start : start+uint64(n)]), nil
}

// WriteListOfString serializes list at offset: a count, a table of
// offsets, then the element strings. Returns the offset of the list.
func WriteListOfString(mem []byte, offset uint32, list []string) (uint32, error) {
	need := SizeOfList(list)
	if uint64(offset)+uint64(need) > uint64(len(mem)) {
		return 0, ErrOutOfMemory
	}
	binary.LittleEndian.PutUint32(mem[offset:], uint32(len(list)))
	table := offset + headerSize
	cursor := table + uint32(len(list))*4
	for i, s := range list {
		ptr, err := WriteString(mem, cursor, s)
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint32(mem[table+uint32(i)*4:], ptr)
		cursor += SizeOfString(s)
	}
	return offset, nil
}

// ReadListOfString deserializes a list written by WriteListOfString.
func ReadListOfString(mem []byte, offset uint32) ([]string, error) {
	if uint64(offset)+headerSize > uint64(len(mem)) {
		return nil, ErrBadOffset
	}
	count := binary.LittleEndian.Uint32(mem[offset:])
	table := uint64(offset) + headerSize
	if table+uint64(count)*4 > uint64(len(mem)) {
		return nil, ErrBadOffset
	}
	out := make([]string, 0, count)
	for i := uint64(0); i < uint64(count); i++ {
		ptr := binary.LittleEndian.Uint32(mem[table+i*4:])
		s, err := ReadString(mem, ptr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
