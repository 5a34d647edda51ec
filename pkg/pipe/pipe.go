// Package pipe implements a pair of file descriptors sharing one physical
// page as a ring buffer (spec.md section 4.8's "Pipes are a pair of file
// descriptors sharing a small ring buffer page installed in both endpoints
// via the same mapping mechanism").
//
// Grounded on biscuit/src/circbuf/circbuf.go's Circbuf_t: head/tail byte
// counters modulo the buffer size, full when head-tail==bufsz, empty when
// head==tail. Simplified from circbuf's general Userio_i-driven copy (which
// exists to serve host network stacks too) down to the plain []byte reads
// and writes a pipe actually needs.
package pipe

import (
	"mos/internal/mem"
	"mos/internal/vm"
	"mos/pkg/errno"
	"mos/pkg/fd"
)

// ring is the shared buffer state. Both pipe ends hold a pointer to the
// same ring, mirroring the single physical page spec.md describes both
// endpoints as mapping: the page's bytes (buf) are the data those two
// mappings would expose, and head/tail play the role real pipe code keeps
// in the page itself.
type ring struct {
	buf        []byte
	head, tail int
}

func (r *ring) full() bool  { return r.head-r.tail == len(r.buf) }
func (r *ring) empty() bool { return r.head == r.tail }

func (r *ring) write(p []byte) int {
	n := 0
	for n < len(p) && !r.full() {
		r.buf[r.head%len(r.buf)] = p[n]
		r.head++
		n++
	}
	return n
}

func (r *ring) read(p []byte) int {
	n := 0
	for n < len(p) && !r.empty() {
		p[n] = r.buf[r.tail%len(r.buf)]
		r.tail++
		n++
	}
	return n
}

// New allocates the shared page, installs it in both readerAS and writerAS
// at the given (already page-aligned) virtual addresses, and returns the
// read and write ends as ordinary fd.Fd values of fd.KindPipe.
func New(phys *mem.Physmem, size int, readerAS *vm.AddressSpace, readerVA uint32, writerAS *vm.AddressSpace, writerVA uint32) (readEnd, writeEnd *fd.Fd, err errno.Errno) {
	if size <= 0 || size > mem.PageSize {
		return nil, nil, errno.Inval
	}
	f, ok := phys.Alloc(true)
	if !ok {
		return nil, nil, errno.NoMemory
	}
	if err := readerAS.Insert(f, readerVA, vm.User); err != 0 {
		return nil, nil, err
	}
	if err := writerAS.Insert(f, writerVA, vm.Writable|vm.User); err != 0 {
		return nil, nil, err
	}
	r := &ring{buf: phys.Bytes(f)[:size]}
	return &fd.Fd{Kind: fd.KindPipe, Perms: fd.Read, Data: r},
		&fd.Fd{Kind: fd.KindPipe, Perms: fd.Write, Data: r},
		0
}

func init() {
	fd.Register(fd.KindPipe, fd.Ops{
		Read: func(data any, p []byte) (int, errno.Errno) {
			r := data.(*ring)
			n := r.read(p)
			if n == 0 && len(p) > 0 {
				return 0, errno.Unspecified
			}
			return n, 0
		},
		Write: func(data any, p []byte) (int, errno.Errno) {
			r := data.(*ring)
			n := r.write(p)
			return n, 0
		},
	})
}
