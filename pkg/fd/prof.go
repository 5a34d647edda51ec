package fd

import (
	"bytes"

	"mos/internal/diag"
	"mos/pkg/errno"
)

// NewProf wraps p as a read-only Fd of KindProf. Reading it produces a
// pprof-format encoding of the profiler's accumulated samples -- the real
// component SPEC_FULL.md's DOMAIN STACK section gives biscuit's
// otherwise-unused D_PROF device number.
func NewProf(p *diag.Profiler) *Fd {
	return &Fd{Kind: KindProf, Perms: Read, Data: p}
}

func init() {
	Register(KindProf, Ops{
		Read: func(data any, p []byte) (int, errno.Errno) {
			prof := data.(*diag.Profiler)
			var buf bytes.Buffer
			if err := prof.WriteProfile(&buf); err != nil {
				return 0, errno.Unspecified
			}
			n := copy(p, buf.Bytes())
			return n, 0
		},
		Stat: func(data any) (Stat, errno.Errno) {
			prof := data.(*diag.Profiler)
			var buf bytes.Buffer
			if err := prof.WriteProfile(&buf); err != nil {
				return Stat{}, errno.Unspecified
			}
			return Stat{Size: int64(buf.Len())}, 0
		},
	})
}
