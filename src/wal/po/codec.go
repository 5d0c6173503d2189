package po

import (
	"encoding/binary"
	"fmt"
)

// Encoder appends fixed-width big-endian fields to a preallocated buffer.
type Encoder struct {
	buf []byte
	off int
}

func (e *Encoder) Uint8(v uint8) {
	e.buf[e.off] = v
	e.off++
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

func (e *Encoder) Int32(v int32) {
	binary.BigEndian.PutUint32(e.buf[e.off:], uint32(v))
	e.off += 4
}

func (e *Encoder) Int64(v int64) {
	binary.BigEndian.PutUint64(e.buf[e.off:], uint64(v))
	e.off += 8
}

// Bytes writes a length-prefixed byte string.
func (e *Encoder) Bytes(v []byte) {
	e.Int32(int32(len(v)))
	e.off += copy(e.buf[e.off:], v)
}

func BytesSize(v []byte) int {
	return 4 + len(v)
}

// Decoder reads what Encoder wrote. The first failure sticks and every
// later read returns zero values.
type Decoder struct {
	buf []byte
	off int
	err error
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.err = fmt.Errorf(
			"%w: field of %d bytes at %d overruns %d bytes",
			ErrCorruptRecord,
			n,
			d.off,
			len(d.buf),
		)
		return false
	}
	return true
}

// Fail marks the payload as invalid.
func (d *Decoder) Fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]any{ErrCorruptRecord}, args...)...)
	}
}

func (d *Decoder) Uint8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *Decoder) Bool() bool {
	switch v := d.Uint8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.Fail("invalid bool %d", v)
		return false
	}
}

func (d *Decoder) Int32() int32 {
	if !d.need(4) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(d.buf[d.off:]))
	d.off += 4
	return v
}

func (d *Decoder) Int64() int64 {
	if !d.need(8) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v
}

func (d *Decoder) Bytes() []byte {
	n := d.Int32()
	if !d.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.off:])
	d.off += int(n)
	return v
}
