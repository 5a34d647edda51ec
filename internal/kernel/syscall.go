package kernel

// Syscall numbers, in the order spec.md section 4.6 lists them. Names are
// cross-checked against original_source/user/lib/libos.c's syscall_getenvid
// / syscall_exit call sites, the only syscall stubs that survived
// retrieval.
const (
	SysPutchar          = 1
	SysPrint            = 2
	SysGetEnvID         = 3
	SysYield            = 4
	SysEnvDestroy       = 5
	SysSetPgfaultHandler = 6
	SysMemAlloc         = 7
	SysMemMap           = 8
	SysMemUnmap         = 9
	SysExofork          = 10
	SysSetEnvStatus     = 11
	SysSetTrapframe     = 12
	SysPanic            = 13
	SysIPCTrySend       = 14
	SysIPCRecv          = 15
	SysReadKbdChar      = 16
)
