//go:build !unix

package shard

import "os"

func readMapped(*os.File, int) ([]byte, bool) {
	return nil, false
}
