package internal

// Prand16 advances a 16 bit xorshift generator. The returned value is the next
// seed. Zero is a fixed point so the generator must be seeded with a non-zero value.
func Prand16(seed uint16) uint16 {
	// 16bit Xorshift  https://en.wikipedia.org/wiki/Xorshift
	seed ^= seed << 7
	seed ^= seed >> 9
	seed ^= seed << 8
	return seed
}
