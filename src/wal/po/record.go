package po

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
)

var (
	ErrCorruptRecord = errors.New("corrupt page operation record")
	ErrPageMismatch  = errors.New("page operation applied to a foreign page")
)

type Kind uint8

// HeaderSize is the fixed prefix of every serialized record:
// kind, operation unit id, file id, page index.
const HeaderSize = 1 + common.OperationUnitIDSize + 8 + 8

// Page is what a record needs from a cache entry to be replayed.
type Page interface {
	Identity() common.PageIdentity
	Buffer() *page.Buffer
	MarkDirty()
}

// Payload is the kind specific part of a record: the prior and new
// values of one page mutation.
type Payload interface {
	Kind() Kind
	Redo(buf *page.Buffer) error
	Undo(buf *page.Buffer) error
	PayloadSize() int
	EncodePayload(e *Encoder)
	DecodePayload(d *Decoder)
}

type kindInfo struct {
	name       string
	newPayload func() Payload
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]kindInfo{}
)

// Register binds a kind tag to the factory of its payload. Packages that
// own a page layout register their kinds from init.
func Register(kind Kind, name string, newPayload func() Payload) {
	registryMu.Lock()
	defer registryMu.Unlock()

	assert.Assert(kind != KindUnknown, "kind %q uses the reserved tag", name)
	_, exists := registry[kind]
	assert.Assert(!exists, "kind %d (%s) is registered twice", kind, name)
	assert.Assert(newPayload().Kind() == kind, "factory of %s returns a foreign kind", name)

	registry[kind] = kindInfo{name: name, newPayload: newPayload}
}

func lookup(kind Kind) (kindInfo, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	info, ok := registry[kind]
	return info, ok
}

func (k Kind) String() string {
	if info, ok := lookup(k); ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

type Record struct {
	operationUnitID common.OperationUnitID
	fileID          common.FileID
	pageIndex       common.PageIndex
	payload         Payload
}

func NewRecord(pageIdent common.PageIdentity, payload Payload) *Record {
	assert.Assert(payload != nil, "nil payload")
	return &Record{
		fileID:    pageIdent.FileID,
		pageIndex: pageIdent.PageIndex,
		payload:   payload,
	}
}

// Empty returns a record of the given kind ready for FromStream.
func Empty(kind Kind) (*Record, error) {
	info, ok := lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrCorruptRecord, kind)
	}
	return &Record{payload: info.newPayload()}, nil
}

func (r *Record) Kind() Kind {
	if r.payload == nil {
		return KindUnknown
	}
	return r.payload.Kind()
}

func (r *Record) Payload() Payload {
	return r.payload
}

func (r *Record) OperationUnitID() common.OperationUnitID {
	return r.operationUnitID
}

func (r *Record) SetOperationUnitID(id common.OperationUnitID) {
	r.operationUnitID = id
}

func (r *Record) FileID() common.FileID {
	return r.fileID
}

func (r *Record) SetFileID(id common.FileID) {
	r.fileID = id
}

func (r *Record) PageIndex() common.PageIndex {
	return r.pageIndex
}

func (r *Record) SetPageIndex(idx common.PageIndex) {
	r.pageIndex = idx
}

func (r *Record) PageIdentity() common.PageIdentity {
	return common.PageIdentity{FileID: r.fileID, PageIndex: r.pageIndex}
}

func (r *Record) checkPage(p Page) error {
	if p.Identity() != r.PageIdentity() {
		return fmt.Errorf(
			"%w: record of page %s, entry %s",
			ErrPageMismatch,
			r.PageIdentity(),
			p.Identity(),
		)
	}
	return nil
}

// Redo writes the new values of the record into the page. Applying it
// twice leaves the page as applying it once.
func (r *Record) Redo(p Page) error {
	if err := r.checkPage(p); err != nil {
		return err
	}
	if err := r.payload.Redo(p.Buffer()); err != nil {
		return fmt.Errorf("redo %s on %s: %w", r.Kind(), r.PageIdentity(), err)
	}
	p.MarkDirty()
	return nil
}

// Undo writes the prior values of the record back into the page.
func (r *Record) Undo(p Page) error {
	if err := r.checkPage(p); err != nil {
		return err
	}
	if err := r.payload.Undo(p.Buffer()); err != nil {
		return fmt.Errorf("undo %s on %s: %w", r.Kind(), r.PageIdentity(), err)
	}
	p.MarkDirty()
	return nil
}

func (r *Record) SerializedSize() int {
	return HeaderSize + r.payload.PayloadSize()
}

// ToStream writes the record at offset and returns the offset right
// after it. buf must have room for SerializedSize bytes.
func (r *Record) ToStream(buf []byte, offset int) int {
	size := r.SerializedSize()
	assert.Assert(
		offset >= 0 && offset+size <= len(buf),
		"record of %d bytes doesn't fit at %d into %d bytes",
		size,
		offset,
		len(buf),
	)

	buf[offset] = byte(r.Kind())
	pos := offset + 1
	pos += copy(buf[pos:], r.operationUnitID[:])
	binary.BigEndian.PutUint64(buf[pos:], uint64(r.fileID))
	pos += 8
	binary.BigEndian.PutUint64(buf[pos:], uint64(r.pageIndex))
	pos += 8

	e := &Encoder{buf: buf, off: pos}
	r.payload.EncodePayload(e)
	assert.Assert(
		e.off == offset+size,
		"%s wrote %d payload bytes, declared %d",
		r.Kind(),
		e.off-pos,
		r.payload.PayloadSize(),
	)
	return e.off
}

// FromStream restores the record serialized at offset and returns the
// offset right after it. A record created with Empty only accepts its own
// kind; a zero Record accepts any registered kind.
func (r *Record) FromStream(buf []byte, offset int) (int, error) {
	if offset < 0 || offset+HeaderSize > len(buf) {
		return offset, fmt.Errorf(
			"%w: %d bytes left at %d, header needs %d",
			ErrCorruptRecord,
			max(len(buf)-offset, 0),
			offset,
			HeaderSize,
		)
	}

	kind := Kind(buf[offset])
	if r.payload != nil && r.payload.Kind() != kind {
		return offset, fmt.Errorf(
			"%w: expected %s, found kind %d",
			ErrCorruptRecord,
			r.payload.Kind(),
			kind,
		)
	}
	info, ok := lookup(kind)
	if !ok {
		return offset, fmt.Errorf("%w: unknown kind %d", ErrCorruptRecord, kind)
	}

	var unit common.OperationUnitID
	pos := offset + 1
	copy(unit[:], buf[pos:pos+common.OperationUnitIDSize])
	pos += common.OperationUnitIDSize
	fileID := common.FileID(binary.BigEndian.Uint64(buf[pos:]))
	pos += 8
	pageIndex := common.PageIndex(binary.BigEndian.Uint64(buf[pos:]))
	pos += 8

	payload := info.newPayload()
	d := &Decoder{buf: buf, off: pos}
	payload.DecodePayload(d)
	if d.err != nil {
		return offset, fmt.Errorf("%s at %d: %w", kind, offset, d.err)
	}

	r.operationUnitID = unit
	r.fileID = fileID
	r.pageIndex = pageIndex
	r.payload = payload
	return d.off, nil
}

// Decode reads one record of any registered kind.
func Decode(buf []byte, offset int) (*Record, int, error) {
	r := &Record{}
	next, err := r.FromStream(buf, offset)
	if err != nil {
		return nil, offset, err
	}
	return r, next, nil
}

// Marshal returns the serialized form of the record.
func (r *Record) Marshal() []byte {
	buf := make([]byte, r.SerializedSize())
	r.ToStream(buf, 0)
	return buf
}

func (r *Record) String() string {
	return fmt.Sprintf(
		"%s{unit=%s page=%s %+v}",
		r.Kind(),
		r.operationUnitID,
		r.PageIdentity(),
		r.payload,
	)
}
