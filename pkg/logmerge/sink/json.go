package sink

import (
	"bufio"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/olif/logmerge/pkg/logmerge/record"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONSink writes records as newline delimited JSON
type JSONSink struct {
	w      *bufio.Writer
	stream *jsoniter.Stream
	done   bool
}

// NewJSONSink returns a sink writing NDJSON to w. Output is buffered until
// Done.
func NewJSONSink(w io.Writer) *JSONSink {
	bw := bufio.NewWriter(w)
	return &JSONSink{
		w:      bw,
		stream: jsoniter.NewStream(json, bw, 512),
	}
}

// Print encodes the record on its own line
func (s *JSONSink) Print(r *record.Record) error {
	if s.done {
		return ErrDone
	}

	s.stream.WriteVal(r)
	s.stream.WriteRaw("\n")
	if s.stream.Error != nil {
		return s.stream.Error
	}
	return s.stream.Flush()
}

// Done flushes buffered output
func (s *JSONSink) Done() error {
	if s.done {
		return ErrDone
	}
	s.done = true
	return s.w.Flush()
}
