// +build !linux,!darwin,!freebsd,!netbsd,!openbsd

package sim

import (
	"github.com/pkg/errors"
)

func mmap(fd, length int) ([]byte, error) {
	return nil, errors.New("offline input mapping not supported on this platform")
}

func munmap(b []byte) error {
	return nil
}
