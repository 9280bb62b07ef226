//go:build !unix

package frame

func mapPages(pages int) ([]byte, error) {
	return make([]byte, pages*PageSize), nil
}

func unmapPages([]byte) {}
