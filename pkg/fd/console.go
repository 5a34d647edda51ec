package fd

import (
	"mos/internal/kernel"
	"mos/pkg/errno"
)

// NewConsole wraps dev as a readable/writable Fd of KindConsole. There is no
// separate "console file" to open: every environment is handed one of these
// directly, matching the D_CONSOLE device biscuit reserves for exactly this.
func NewConsole(dev kernel.ConsoleDevice) *Fd {
	return &Fd{Kind: KindConsole, Perms: Read | Write, Data: dev}
}

func init() {
	Register(KindConsole, Ops{
		Write: func(data any, p []byte) (int, errno.Errno) {
			dev := data.(kernel.ConsoleDevice)
			for _, b := range p {
				dev.PutByte(b)
			}
			return len(p), 0
		},
		Read: func(data any, p []byte) (int, errno.Errno) {
			dev := data.(kernel.ConsoleDevice)
			n := 0
			for n < len(p) {
				b, ok := dev.ReadByte()
				if !ok {
					break
				}
				p[n] = b
				n++
			}
			if n == 0 {
				return 0, errno.Unspecified
			}
			return n, 0
		},
	})
}
