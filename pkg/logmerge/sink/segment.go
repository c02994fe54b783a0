package sink

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/olif/logmerge/pkg/logmerge/record"
)

const (
	defaultMaxRecordSize = 64 * 1024
	defaultAsync         = true
)

// RecordTooLargeError is returned when a record exceeds the configured size
type RecordTooLargeError struct {
	Size    int
	MaxSize int
}

func (e *RecordTooLargeError) Error() string {
	return fmt.Sprintf("record too big: %d bytes, max size: %d", e.Size, e.MaxSize)
}

// SegmentConfig contains the configuration properties for the segment sink
type SegmentConfig struct {
	// Sets a limit on the size of the records
	MaxRecordSize *int
	// If false, fsync will be called on every write
	Async *bool

	Logger log.Logger
}

// SegmentSink appends records in binary format to a segment file which can
// be read back with source.OpenFile
type SegmentSink struct {
	path          string
	file          afero.File
	maxRecordSize int
	async         bool
	logger        log.Logger
	written       int64
	done          bool
}

// NewSegmentSink creates, or truncates, the segment file at path
func NewSegmentSink(fs afero.Fs, path string, config SegmentConfig) (*SegmentSink, error) {
	var (
		maxRecordSize = defaultMaxRecordSize
		async         = defaultAsync
		logger        = log.NewNopLogger()
	)

	if config.MaxRecordSize != nil {
		maxRecordSize = *config.MaxRecordSize
	}

	if config.Async != nil {
		async = *config.Async
	}

	if config.Logger != nil {
		logger = config.Logger
	}

	file, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open file: %s for write", path)
	}

	return &SegmentSink{
		path:          path,
		file:          file,
		maxRecordSize: maxRecordSize,
		async:         async,
		logger:        logger,
	}, nil
}

// Print appends the record to the segment
func (s *SegmentSink) Print(r *record.Record) error {
	if s.done {
		return ErrDone
	}

	if r.Size() > s.maxRecordSize {
		return &RecordTooLargeError{Size: r.Size(), MaxSize: s.maxRecordSize}
	}

	n, err := r.Write(s.file)
	if err != nil {
		return errors.Wrapf(err, "could not write record to file: %s", s.path)
	}
	s.written += int64(n)

	if !s.async {
		return s.file.Sync()
	}
	return nil
}

// Done syncs and closes the segment file
func (s *SegmentSink) Done() error {
	if s.done {
		return ErrDone
	}
	s.done = true

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return errors.Wrapf(err, "could not sync file: %s", s.path)
	}

	level.Debug(s.logger).Log("msg", "segment written", "path", s.path, "bytes", s.written)
	return s.file.Close()
}

// Close releases the segment file of a sink that never got Done, e.g. after
// an aborted merge. It is a no-op once Done has been called.
func (s *SegmentSink) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.file.Close()
}
