package source

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/olif/logmerge/pkg/logmerge/record"
)

// DefaultMaxRecordSize is the largest record a file source reads unless told
// otherwise
const DefaultMaxRecordSize = 64 * 1024

// File reads records from a segment file written by sink.SegmentSink. The
// records in the file must already be sorted by date.
type File struct {
	path    string
	file    afero.File
	scanner *record.Scanner
	closed  bool
}

// OpenFile opens the segment file at path
func OpenFile(fs afero.Fs, path string, maxRecordSize int) (*File, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open segment %s", path)
	}

	scanner, err := record.NewScanner(f, maxRecordSize)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "could not create scanner for segment %s", path)
	}

	return &File{
		path:    path,
		file:    f,
		scanner: scanner,
	}, nil
}

// Pop returns the next record of the segment or io.EOF. The file is closed
// once the segment is exhausted.
func (f *File) Pop() (*record.Record, error) {
	if f.closed {
		return nil, ErrQueriedAfterExhaustion
	}

	if f.scanner.Scan() {
		return f.scanner.Record(), nil
	}

	if err := f.scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "could not scan segment %s", f.path)
	}

	if err := f.Close(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Path returns the path of the segment
func (f *File) Path() string {
	return f.path
}

// Close closes the underlying file. It is safe to call more than once.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}
