package directmemory

// Pointer is the handle of one pooled block. It must not be copied; share
// it by reference and hand it back to its pool exactly once.
type Pointer struct {
	id       uint64
	pool     *Pool
	data     []byte
	acquired bool // guarded by pool.mu
}

func (p *Pointer) ID() uint64 {
	return p.id
}

func (p *Pointer) Size() int {
	return len(p.data)
}

// Bytes exposes the underlying block. The slice is valid until the
// pointer is released.
func (p *Pointer) Bytes() []byte {
	return p.data
}

func (p *Pointer) clear() {
	clear(p.data)
}
