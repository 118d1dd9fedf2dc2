package invoke

// Every invocation on the wire starts with an 8 byte little-endian length of the
// envelope that follows it, a so-called sizebuf.

const sizebufLen = 8

func lengthToSizebuf(l uint64) [sizebufLen]byte {
	var sizebuf [sizebufLen]byte
	for i := 0; i < sizebufLen; i++ {
		sizebuf[i] = uint8(l >> (uint(i) * 8))
	}
	return sizebuf
}

// Gets the value from an encoded size number (from lengthToSizebuf())
func sizebufToLength(b [sizebufLen]byte) uint64 {
	var size uint64
	for i := sizebufLen - 1; i >= 0; i-- {
		size = size<<8 | uint64(b[i])
	}
	return size
}
