//go:build unix

package frame

import "golang.org/x/sys/unix"

func mapPages(pages int) ([]byte, error) {
	return unix.Mmap(-1, 0, pages*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapPages(data []byte) {
	_ = unix.Munmap(data)
}
