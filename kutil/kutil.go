// Package kutil contains small numeric helpers shared across the memory
// and scheduling packages, adapted from the teacher's util package.
package kutil

import "unsafe"

// Int covers every built-in integer type, so the helpers below work
// uniformly over addresses, page counts, and object sizes without a
// separate copy per concrete type.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min picks whichever of a, b is not larger.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max picks whichever of a, b is not smaller.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown clamps v to the largest multiple of b that does not exceed it.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup bumps v up to the smallest multiple of b that is not less than it.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn decodes an n-byte little-endian-native integer out of a at offset
// off — the counterpart to Writen, used wherever a page-table entry or a
// slab free-list link has to be read back out of raw allocator bytes.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || off+n > len(a) {
		panic("kutil.Readn: out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch n {
	case 8:
		return *(*int)(p)
	case 4:
		return int(*(*uint32)(p))
	case 2:
		return int(*(*uint16)(p))
	case 1:
		return int(*(*uint8)(p))
	default:
		panic("kutil.Readn: unsupported size")
	}
}

// Writen encodes val into sz bytes of a at offset off, the inverse of
// Readn — this is how page-table entries and slab free-list links get
// written back into raw allocator bytes instead of a Go field.
func Writen(a []uint8, sz int, off int, val int) {
	if off < 0 || off+sz > len(a) {
		panic("kutil.Writen: out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch sz {
	case 8:
		*(*int)(p) = val
	case 4:
		*(*uint32)(p) = uint32(val)
	case 2:
		*(*uint16)(p) = uint16(val)
	case 1:
		*(*uint8)(p) = uint8(val)
	default:
		panic("kutil.Writen: unsupported size")
	}
}
