package source

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/olif/logmerge/pkg/logmerge"
)

// SegmentSuffix is the file extension of segment files
const SegmentSuffix = ".seg"

// ListFilesWithSuffix returns all files below basepath matching the suffix,
// sorted ascending by path
func ListFilesWithSuffix(fs afero.Fs, basepath, suffix string) ([]string, error) {
	files := []string{}
	err := afero.Walk(fs, basepath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == suffix {
			files = append(files, path)
		}
		return nil
	})

	sort.Strings(files)
	return files, err
}

// OpenDir opens every segment file below basepath. The file order, and so
// the tie-break order of a merge, is the sorted path order.
func OpenDir(fs afero.Fs, basepath string, maxRecordSize int) ([]*File, error) {
	paths, err := ListFilesWithSuffix(fs, basepath, SegmentSuffix)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list segments in %s", basepath)
	}

	files := make([]*File, 0, len(paths))
	for _, p := range paths {
		f, err := OpenFile(fs, p, maxRecordSize)
		if err != nil {
			CloseAll(files)
			return nil, err
		}
		files = append(files, f)
	}

	return files, nil
}

// Sources returns the files as merge sources
func Sources(files []*File) []logmerge.Source {
	sources := make([]logmerge.Source, len(files))
	for i, f := range files {
		sources[i] = f
	}
	return sources
}

// CloseAll closes every file, ignoring errors
func CloseAll(files []*File) {
	for _, f := range files {
		f.Close()
	}
}
