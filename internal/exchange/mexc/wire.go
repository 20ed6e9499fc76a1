package mexc

import "errors"

// The push stream frames protobuf messages, but subscribing to generated
// bindings for two fields is not worth the build machinery. This is a
// minimal wire-format reader: varints, length-delimited fields, and skips
// for everything else.
//
// errTruncated means the buffer ended mid-field, which happens when a proxy
// splits a message across transport frames; callers accumulate and retry.
// errMalformed means the bytes cannot be protobuf wire format at all.
var (
	errTruncated = errors.New("truncated wire data")
	errMalformed = errors.New("malformed wire data")
)

const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

type wireReader struct {
	buf []byte
	pos int
}

func (r *wireReader) eof() bool { return r.pos >= len(r.buf) }

func (r *wireReader) readVarint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if r.pos >= len(r.buf) {
			return 0, errTruncated
		}
		b := r.buf[r.pos]
		r.pos++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, errMalformed
		}
	}
}

// readKey returns the field number and wire type of the next field.
func (r *wireReader) readKey() (field uint64, wire int, err error) {
	key, err := r.readVarint()
	if err != nil {
		return 0, 0, err
	}
	return key >> 3, int(key & 0x7), nil
}

// readBytes reads one length-delimited field.
func (r *wireReader) readBytes() ([]byte, error) {
	n, err := r.readVarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.buf)-r.pos) {
		return nil, errTruncated
	}
	out := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

// skip consumes a field of the given wire type.
func (r *wireReader) skip(wire int) error {
	switch wire {
	case wireVarint:
		_, err := r.readVarint()
		return err
	case wireFixed64:
		if len(r.buf)-r.pos < 8 {
			return errTruncated
		}
		r.pos += 8
		return nil
	case wireBytes:
		_, err := r.readBytes()
		return err
	case wireFixed32:
		if len(r.buf)-r.pos < 4 {
			return errTruncated
		}
		r.pos += 4
		return nil
	default:
		return errMalformed
	}
}
