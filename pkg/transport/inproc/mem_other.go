//go:build !linux

package inproc

func mapShared(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func mapPrivate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmap(_ []byte) error {
	return nil
}
