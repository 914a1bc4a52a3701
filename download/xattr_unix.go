//go:build linux || darwin

package download

import (
	"golang.org/x/sys/unix"
)

const originAttr = "user.xdg.origin.url"

func setOriginURL(path, origin string) error {
	return unix.Setxattr(path, originAttr, []byte(origin), 0)
}
