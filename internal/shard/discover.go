package shard

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
)

// Discover returns every shard directory under root, sorted by path. A
// directory is a shard when it contains a metadata.json.
func Discover(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == MetadataFile {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, errors.New("no shards found under " + root)
	}
	sort.Strings(dirs)
	return dirs, nil
}
