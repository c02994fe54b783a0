package record

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Scanner reads consecutive binary records from a reader
type Scanner struct {
	scanner *bufio.Scanner
	record  *Record
	err     error
}

// NewScanner returns a scanner reading records of at most maxScanTokenSize
// bytes from r
func NewScanner(r io.Reader, maxScanTokenSize int) (*Scanner, error) {
	if maxScanTokenSize < metaLength {
		return nil, fmt.Errorf("max scan token size must be at least %d bytes", metaLength)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxScanTokenSize), maxScanTokenSize)
	scanner.Split(split)
	return &Scanner{scanner: scanner}, nil
}

func split(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) < metaLength {
		if atEOF && len(data) > 0 {
			return 0, nil, ErrInsufficientData
		}
		return 0, nil, nil
	}

	size := metaLength + int(binary.BigEndian.Uint32(data[crcLen+dateByteSize:metaLength]))
	if len(data) < size {
		if atEOF {
			return 0, nil, ErrInsufficientData
		}
		return 0, nil, nil
	}

	return size, data[:size], nil
}

// Scan advances to the next record. It returns false when the input is
// exhausted or an error occurred, see Err.
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}

	if !s.scanner.Scan() {
		s.record = nil
		return false
	}

	r, err := FromBytes(s.scanner.Bytes())
	if err != nil {
		s.err = err
		s.record = nil
		return false
	}

	s.record = r
	return true
}

// Record returns the record read by the last call to Scan
func (s *Scanner) Record() *Record {
	return s.record
}

// Err returns the first non-EOF error encountered
func (s *Scanner) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.scanner.Err()
}
