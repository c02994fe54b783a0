package record

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// A record is encoded as crc | unix seconds | nanoseconds | msg length | msg.
// Seconds are stored as a two's complement int64, so every time.Time,
// including the zero value, survives the round trip.
const (
	crcLen          = 4
	secondsByteSize = 8
	nanosByteSize   = 4
	dateByteSize    = secondsByteSize + nanosByteSize
	msgLenByteSize  = 4
	metaLength      = crcLen + dateByteSize + msgLenByteSize
)

// ErrInsufficientData is returned when the given data is not enough to be
// parsed into a Record
var ErrInsufficientData = errors.New("could not parse bytes")

// ErrCorruptData is returned when the data mismatches the stored checksum
var ErrCorruptData = errors.New("the record has been corrupted")

// Record is a single timestamped log entry
type Record struct {
	date time.Time
	msg  string
}

// New returns a new record
func New(date time.Time, msg string) *Record {
	return &Record{
		date: date,
		msg:  msg,
	}
}

// Date returns the record timestamp
func (r *Record) Date() time.Time {
	return r.date
}

// Msg returns the record payload
func (r *Record) Msg() string {
	return r.msg
}

// Before reports whether r is strictly earlier than other
func (r *Record) Before(other *Record) bool {
	return r.date.Before(other.date)
}

// Size returns the serialized byte size
func (r *Record) Size() int {
	return metaLength + len(r.msg)
}

// ToBytes serializes the record into a sequence of bytes
func (r *Record) ToBytes() []byte {
	dateBytes := make([]byte, dateByteSize)
	binary.BigEndian.PutUint64(dateBytes, uint64(r.date.Unix()))
	binary.BigEndian.PutUint32(dateBytes[secondsByteSize:], uint32(r.date.Nanosecond()))

	msgLen := make([]byte, msgLenByteSize)
	binary.BigEndian.PutUint32(msgLen, uint32(len(r.msg)))

	data := []byte{}
	crc := crc32.NewIEEE()
	for _, v := range [][]byte{dateBytes, msgLen, []byte(r.msg)} {
		data = append(data, v...)
		crc.Write(v)
	}

	crcData := make([]byte, crcLen)
	binary.BigEndian.PutUint32(crcData, crc.Sum32())
	return append(crcData, data...)
}

// FromBytes deserialize []byte into a record. If the data cannot be
// deserialized ErrInsufficientData or ErrCorruptData is returned.
func FromBytes(data []byte) (*Record, error) {
	if len(data) < metaLength {
		return nil, ErrInsufficientData
	}

	msgLen := int(binary.BigEndian.Uint32(data[crcLen+dateByteSize : metaLength]))
	if len(data) < metaLength+msgLen {
		return nil, ErrInsufficientData
	}

	crc := binary.BigEndian.Uint32(data[:crcLen])
	check := crc32.NewIEEE()
	check.Write(data[crcLen : metaLength+msgLen])
	if check.Sum32() != crc {
		return nil, ErrCorruptData
	}

	secs := int64(binary.BigEndian.Uint64(data[crcLen : crcLen+secondsByteSize]))
	nanos := int64(binary.BigEndian.Uint32(data[crcLen+secondsByteSize : crcLen+dateByteSize]))
	msg := string(data[metaLength : metaLength+msgLen])

	return &Record{date: time.Unix(secs, nanos).UTC(), msg: msg}, nil
}

// Write writes the record to the writer in binary format
func (r *Record) Write(w io.Writer) (int, error) {
	return w.Write(r.ToBytes())
}

type jsonRecord struct {
	Date time.Time `json:"date"`
	Msg  string    `json:"msg"`
}

// MarshalJSON implements json.Marshaler
func (r *Record) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal(jsonRecord{Date: r.date, Msg: r.msg})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Record) UnmarshalJSON(data []byte) error {
	var jr jsonRecord
	if err := jsoniter.Unmarshal(data, &jr); err != nil {
		return err
	}
	r.date = jr.Date
	r.msg = jr.Msg
	return nil
}
