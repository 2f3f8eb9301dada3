package anchor

import "unicode/utf8"

func runeUnits(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// Len returns the length of s in offset units (UTF-16 code units).
func Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

// ByteIndex converts a unit offset into s to a byte index. Offsets that fall
// inside a surrogate pair round down to the start of the rune.
func ByteIndex(s string, units int) int {
	if units <= 0 {
		return 0
	}
	acc := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		w := runeUnits(r)
		if acc+w > units {
			return i
		}
		acc += w
		i += size
		if acc == units {
			return i
		}
	}
	return len(s)
}

// Slice returns the part of s between unit offsets from and to.
func Slice(s string, from, to int) string {
	if to < from {
		return ""
	}
	return s[ByteIndex(s, from):ByteIndex(s, to)]
}
