package dfu

// verify compares read-back against image byte for byte and returns a
// *MismatchError at the first difference. A short read-back differs at its
// length.
func verify(image, readBack []byte) error {
	n := min(len(image), len(readBack))
	for i := 0; i < n; i++ {
		if image[i] != readBack[i] {
			return &MismatchError{Offset: i, Want: image[i], Got: readBack[i]}
		}
	}
	if len(readBack) < len(image) {
		return &MismatchError{Offset: n, Want: image[n]}
	}
	return nil
}
