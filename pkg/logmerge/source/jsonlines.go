package source

import (
	"bufio"
	"bytes"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/olif/logmerge/pkg/logmerge/record"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMissingDate is returned for a JSON record without a date
var ErrMissingDate = errors.New("record has no date")

// JSONLines reads newline delimited JSON records, as written by
// sink.JSONSink, from a reader. Blank lines are skipped.
type JSONLines struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
	done    bool
	closed  bool
}

// NewJSONLines returns a source decoding records from r
func NewJSONLines(r io.Reader, maxRecordSize int) *JSONLines {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxRecordSize)

	j := &JSONLines{scanner: scanner}
	if c, ok := r.(io.Closer); ok {
		j.closer = c
	}
	return j
}

// OpenJSONLines opens the NDJSON file at path
func OpenJSONLines(fs afero.Fs, path string, maxRecordSize int) (*JSONLines, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	return NewJSONLines(f, maxRecordSize), nil
}

// Pop decodes the next record or returns io.EOF
func (j *JSONLines) Pop() (*record.Record, error) {
	if j.done {
		return nil, ErrQueriedAfterExhaustion
	}

	for j.scanner.Scan() {
		j.line++
		line := bytes.TrimSpace(j.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		r := &record.Record{}
		if err := json.Unmarshal(line, r); err != nil {
			return nil, errors.Wrapf(err, "could not decode record on line %d", j.line)
		}
		if r.Date().IsZero() {
			return nil, errors.Wrapf(ErrMissingDate, "line %d", j.line)
		}
		return r, nil
	}

	if err := j.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "could not read records")
	}

	j.done = true
	if err := j.Close(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the underlying reader if it is an io.Closer. It is safe to
// call more than once.
func (j *JSONLines) Close() error {
	if j.closed || j.closer == nil {
		return nil
	}
	j.closed = true
	return j.closer.Close()
}
