// Package client is the instrumentation-callback surface analysis
// tools build against (spec §6 "Client API"). It is the boundary named
// out of scope for implementation in spec §1 ("analysis clients... are
// out of scope") but whose registration surface the core must expose;
// this package is that surface, not an analysis tool itself.
package client

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/vmtrace/vmtrace/pkg/ctxswitch"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/ir"
	"github.com/vmtrace/vmtrace/pkg/moduledb"
)

// FragmentCallback is invoked during building with the decoded
// instruction list for one fragment; it may insert, delete, or replace
// instructions by returning a different slice.
type FragmentCallback func(startPC hostarch.Addr, instrs []*ir.Instruction) []*ir.Instruction

// ThreadCallback is invoked on thread creation or exit.
type ThreadCallback func(tid int)

// ModuleCallback is invoked on module load or unload.
type ModuleCallback func(e *moduledb.Entry)

// SignalCallback is invoked when a signal is about to be delivered to
// the application; sig is the POSIX signal number.
type SignalCallback func(tid int, sig int, appPC hostarch.Addr)

// SyscallCallback is invoked before or after a system call the
// application issues.
type SyscallCallback func(tid int, sysno uintptr, args [6]uintptr)

// Registry holds every callback an analysis client has registered. One
// Registry exists per runtime instance; pkg/startup consults it: its
// builder pass runs the fragment callbacks, and its Run loop issues the
// thread and syscall notifications.
type Registry struct {
	mu sync.RWMutex

	fragmentCbs  []FragmentCallback
	threadInit   []ThreadCallback
	threadExit   []ThreadCallback
	moduleLoad   []ModuleCallback
	moduleUnload []ModuleCallback
	signalCbs    []SignalCallback
	syscallPre   []SyscallCallback
	syscallPost  []SyscallCallback
}

// New returns an empty Registry.
func New() *Registry { return &Registry{} }

// RegisterFragmentCallback adds a per-fragment build-time callback.
func (r *Registry) RegisterFragmentCallback(cb FragmentCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragmentCbs = append(r.fragmentCbs, cb)
}

// RegisterThreadInit adds a per-thread-init callback.
func (r *Registry) RegisterThreadInit(cb ThreadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threadInit = append(r.threadInit, cb)
}

// RegisterThreadExit adds a per-thread-exit callback.
func (r *Registry) RegisterThreadExit(cb ThreadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threadExit = append(r.threadExit, cb)
}

// RegisterModuleLoad adds a per-module-load callback.
func (r *Registry) RegisterModuleLoad(cb ModuleCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleLoad = append(r.moduleLoad, cb)
}

// RegisterModuleUnload adds a per-module-unload callback.
func (r *Registry) RegisterModuleUnload(cb ModuleCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moduleUnload = append(r.moduleUnload, cb)
}

// RegisterSignal adds a per-signal callback.
func (r *Registry) RegisterSignal(cb SignalCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signalCbs = append(r.signalCbs, cb)
}

// RegisterSyscallPre adds a pre-syscall callback.
func (r *Registry) RegisterSyscallPre(cb SyscallCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syscallPre = append(r.syscallPre, cb)
}

// RegisterSyscallPost adds a post-syscall callback.
func (r *Registry) RegisterSyscallPost(cb SyscallCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syscallPost = append(r.syscallPost, cb)
}

// FragmentCallbacks returns the registered fragment callbacks in
// registration order, the order pkg/fragment.Builder invokes them in.
func (r *Registry) FragmentCallbacks() []FragmentCallback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]FragmentCallback(nil), r.fragmentCbs...)
}

// NotifyThreadInit runs every registered thread-init callback.
func (r *Registry) NotifyThreadInit(tid int) {
	r.mu.RLock()
	cbs := append([]ThreadCallback(nil), r.threadInit...)
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(tid)
	}
}

// NotifyThreadExit runs every registered thread-exit callback.
func (r *Registry) NotifyThreadExit(tid int) {
	r.mu.RLock()
	cbs := append([]ThreadCallback(nil), r.threadExit...)
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(tid)
	}
}

// NotifyModuleLoad runs every registered module-load callback.
func (r *Registry) NotifyModuleLoad(e *moduledb.Entry) {
	r.mu.RLock()
	cbs := append([]ModuleCallback(nil), r.moduleLoad...)
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(e)
	}
}

// NotifyModuleUnload runs every registered module-unload callback.
func (r *Registry) NotifyModuleUnload(e *moduledb.Entry) {
	r.mu.RLock()
	cbs := append([]ModuleCallback(nil), r.moduleUnload...)
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(e)
	}
}

// NotifySignal runs every registered signal callback.
func (r *Registry) NotifySignal(tid, sig int, appPC hostarch.Addr) {
	r.mu.RLock()
	cbs := append([]SignalCallback(nil), r.signalCbs...)
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(tid, sig, appPC)
	}
}

// NotifySyscallPre runs every registered pre-syscall callback.
func (r *Registry) NotifySyscallPre(tid int, sysno uintptr, args [6]uintptr) {
	r.mu.RLock()
	cbs := append([]SyscallCallback(nil), r.syscallPre...)
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(tid, sysno, args)
	}
}

// NotifySyscallPost runs every registered post-syscall callback.
func (r *Registry) NotifySyscallPost(tid int, sysno uintptr, args [6]uintptr) {
	r.mu.RLock()
	cbs := append([]SyscallCallback(nil), r.syscallPost...)
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(tid, sysno, args)
	}
}

// Query is the read-only introspection surface spec §6 requires:
// decoding a single instruction, iterating operands, reading the
// application register file and PC.
type Query struct {
	mem MemReader
}

// MemReader reads len(p) bytes of application memory at addr.
type MemReader interface {
	ReadMem(addr hostarch.Addr, p []byte) (int, error)
}

// NewQuery returns a Query backed by mem.
func NewQuery(mem MemReader) *Query { return &Query{mem: mem} }

// DecodeAt decodes the single instruction at pc.
func (q *Query) DecodeAt(pc hostarch.Addr, mode int) (*ir.Instruction, error) {
	buf := make([]byte, 16)
	n, err := q.mem.ReadMem(pc, buf)
	if err != nil {
		return nil, fmt.Errorf("client.DecodeAt: %w", err)
	}
	return decodeFn(buf[:n], pc, mode)
}

// decodeFn is indirected to avoid a hard import of pkg/decode's Mode
// type into this already Mode-agnostic API; pkg/startup's init wires
// the real implementation.
var decodeFn = func(src []byte, pc hostarch.Addr, mode int) (*ir.Instruction, error) {
	return nil, fmt.Errorf("client: decodeFn not wired")
}

// SetDecodeFn installs the real decoder, called once at startup.
func SetDecodeFn(fn func(src []byte, pc hostarch.Addr, mode int) (*ir.Instruction, error)) {
	decodeFn = fn
}

// RegisterFile reads the application register file of thread tid.
func (q *Query) RegisterFile(tid int) (*ctxswitch.RegisterSaveArea, error) {
	return ctxswitch.Save(tid)
}

// ApplicationPC returns the current application PC of thread tid.
func (q *Query) ApplicationPC(tid int) (hostarch.Addr, error) {
	regs, err := ctxswitch.Save(tid)
	if err != nil {
		return 0, err
	}
	return regs.PC(), nil
}

// CreateNativeThread runs fn on a dedicated OS thread outside the
// runtime's traced address space, satisfying spec §6's "facility for
// the client to create its own OS threads that run natively (outside
// the cache)". The thread is never attached or instrumented; it is
// ordinary runtime-process concurrency, locked to one OS thread the
// way the teacher's syscall thread is pinned so its tid stays stable
// for the lifetime of the call.
func CreateNativeThread(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(done)
		fn()
	}()
	return done
}
