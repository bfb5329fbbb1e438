//go:build !unix

package drift

import "io/fs"

func owner(info fs.FileInfo) (int, int) {
	return -1, -1
}
