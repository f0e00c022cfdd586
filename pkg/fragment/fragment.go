// Package fragment builds basic block fragments (spec §4.2): it walks
// the decoder forward from an entry PC until a control-flow terminator,
// runs registered instrumentation callbacks over the resulting
// instruction list, and emits the instrumented copy plus its exit stubs
// and translation table. The actual byte emission is delegated to
// pkg/encode; this package owns the walking, callback, and fix-up
// policy described in spec §4.2.
package fragment

import (
	"fmt"

	"github.com/vmtrace/vmtrace/pkg/decode"
	"github.com/vmtrace/vmtrace/pkg/encode"
	"github.com/vmtrace/vmtrace/pkg/hostarch"
	"github.com/vmtrace/vmtrace/pkg/ir"
	"github.com/vmtrace/vmtrace/pkg/moduledb"
	"github.com/vmtrace/vmtrace/pkg/vmerr"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// StubKind classifies an exit stub by the control-flow construct that
// produced it.
type StubKind int

// Stub kinds.
const (
	StubDirect StubKind = iota
	StubConditionalTaken
	StubConditionalFallThrough
	StubIndirect
	StubReturn
	StubSyscall
)

func (k StubKind) String() string {
	switch k {
	case StubDirect:
		return "direct"
	case StubConditionalTaken:
		return "conditional-taken"
	case StubConditionalFallThrough:
		return "conditional-fallthrough"
	case StubIndirect:
		return "indirect"
	case StubReturn:
		return "return"
	case StubSyscall:
		return "syscall"
	default:
		return fmt.Sprintf("StubKind(%d)", int(k))
	}
}

// LinkState is whether an exit stub currently jumps to the dispatcher
// or directly to a linked fragment.
type LinkState int

// Link states.
const (
	Unlinked LinkState = iota
	Linked
)

// ExitStub is one control-flow successor of a fragment (spec §3 Exit
// Stub). CachePC is the address of the stub's first byte inside the
// fragment's emitted bytes; it never moves once the fragment is
// emitted, so linking only ever rewrites the bytes at CachePC, never
// CachePC itself.
type ExitStub struct {
	Kind     StubKind
	TargetPC hostarch.Addr
	CachePC  hostarch.Addr
	State    LinkState
	LinkedTo hostarch.Addr // valid when State == Linked
	Owner    hostarch.Addr // owning fragment's start application PC
}

// TranslationEntry maps one cache offset back to the application
// instruction it stands in for (spec §3 Fragment, the "total for every
// emitted instruction boundary that may fault or be interrupted"
// invariant of spec §3).
type TranslationEntry struct {
	CachePC hostarch.Addr
	AppPC   hostarch.Addr
}

// Fragment is one cached, instrumented basic block.
type Fragment struct {
	StartPC     hostarch.Addr
	Instrs      []*ir.Instruction
	Emitted     []byte
	CacheBase   hostarch.Addr
	Translation []TranslationEntry
	Stubs       []*ExitStub
	// Incoming is the set of application PCs whose exit stubs currently
	// target this fragment; the code cache uses it to drive unlinking
	// when the fragment is evicted.
	Incoming map[hostarch.Addr]bool
	// Generation is the moduledb.Entry.Generation the source bytes were
	// read under, so a stale fragment from a since-reloaded image can be
	// recognised without re-reading memory.
	Generation uint64
}

// Callback is an instrumentation pass invoked once per fragment being
// built. It receives the decoded, not-yet-emitted instruction list and
// returns the list to actually emit (insertion/deletion/replacement are
// all just returning a different slice).
type Callback func(startPC hostarch.Addr, instrs []*ir.Instruction) []*ir.Instruction

// MemReader reads len(p) bytes of the target's memory at addr. It
// abstracts over the OS boundary (ptrace PEEKTEXT/process_vm_readv in
// production, a plain byte slice in tests).
type MemReader interface {
	ReadMem(addr hostarch.Addr, p []byte) (int, error)
}

// Builder walks the decoder and assembles fragments.
type Builder struct {
	Mem       MemReader
	Mode      decode.Mode
	Modules   *moduledb.ModuleDB
	MaxInstrs int
	Callbacks []Callback
}

// NewBuilder returns a Builder configured from cfg-derived limits. The
// caller supplies Mem and Modules once the target is attached.
func NewBuilder(mem MemReader, modules *moduledb.ModuleDB, maxInstrs int) *Builder {
	if maxInstrs <= 0 {
		maxInstrs = 256
	}
	return &Builder{Mem: mem, Mode: decode.Mode64, Modules: modules, MaxInstrs: maxInstrs}
}

// Register adds an instrumentation callback, invoked in registration
// order, per spec §4.2's "Instrumentation hook ordering".
func (b *Builder) Register(cb Callback) {
	b.Callbacks = append(b.Callbacks, cb)
}

// readWindow is how many bytes are fetched from the target per decode
// attempt; x86 instructions are at most 15 bytes, so this amortises the
// read syscall across several instructions.
const readWindow = 256

// Build decodes forward from startPC until a terminator, a decode
// failure, MaxInstrs is reached, or the walk crosses into an
// unmapped/non-executable page, runs the registered callbacks, then
// emits the result. It does not touch the code cache; the caller
// (pkg/dispatcher, in the IN_BUILDER state) is responsible for
// inserting the returned Fragment and performing linking.
func (b *Builder) Build(startPC hostarch.Addr) (*Fragment, error) {
	instrs, generation, err := b.decodeBlock(startPC)
	if err != nil {
		return nil, err
	}
	for _, cb := range b.Callbacks {
		before := len(instrs)
		instrs = cb(startPC, instrs)
		if err := validateRewrite(before, instrs); err != nil {
			return nil, vmerr.New(vmerr.KindEncode, "fragment.Build", err)
		}
	}
	return b.emit(startPC, instrs, generation)
}

// decodeBlock performs the decode-forward walk described in spec
// §4.2's termination rules.
func (b *Builder) decodeBlock(startPC hostarch.Addr) ([]*ir.Instruction, uint64, error) {
	var generation uint64
	if e, ok := b.Modules.Lookup(startPC); ok {
		generation = e.Generation
		if !e.Perms.Execute {
			return nil, 0, vmerr.New(vmerr.KindDecode, "fragment.decodeBlock",
				fmt.Errorf("start PC %#x is not executable", uintptr(startPC)))
		}
	} else {
		return nil, 0, vmerr.New(vmerr.KindDecode, "fragment.decodeBlock",
			fmt.Errorf("start PC %#x is not mapped", uintptr(startPC)))
	}

	var instrs []*ir.Instruction
	pc := startPC
	for len(instrs) < b.MaxInstrs {
		entry, ok := b.Modules.Lookup(pc)
		if !ok || !entry.Perms.Execute {
			// Crossing into unmapped/non-executable territory ends the
			// block; the next PC becomes a cold-miss exit.
			break
		}
		if entry.Generation != generation && len(instrs) > 0 {
			// Crossed into a different (since-reloaded) module mid-block;
			// abandon and let the caller retry from startPC.
			return nil, 0, vmerr.New(vmerr.KindForeignInterference, "fragment.decodeBlock",
				fmt.Errorf("module generation changed mid-block at %#x", uintptr(pc)))
		}

		buf := make([]byte, readWindow)
		n, err := b.Mem.ReadMem(pc, buf)
		if err != nil || n == 0 {
			if len(instrs) == 0 {
				return nil, 0, vmerr.New(vmerr.KindDecode, "fragment.decodeBlock", fmt.Errorf("read at %#x: %w", uintptr(pc), err))
			}
			break
		}
		inst, err := decode.Decode(buf[:n], pc, b.Mode)
		if err != nil {
			if len(instrs) == 0 {
				return nil, 0, err
			}
			break
		}
		instrs = append(instrs, inst)
		if inst.IsTerminator() {
			break
		}
		pc += hostarch.Addr(inst.Len())
	}
	if len(instrs) == 0 {
		return nil, 0, vmerr.New(vmerr.KindDecode, "fragment.decodeBlock", fmt.Errorf("empty block at %#x", uintptr(startPC)))
	}
	return instrs, generation, nil
}

// validateRewrite enforces spec §4.2's fix-up rule (c): a callback must
// not turn the block's terminator into a non-terminator without
// properly closing the block (i.e. the rewritten list must still end in
// a terminator).
func validateRewrite(beforeLen int, after []*ir.Instruction) error {
	if len(after) == 0 {
		return fmt.Errorf("instrumentation callback emptied the block")
	}
	last := after[len(after)-1]
	if !last.IsTerminator() {
		return fmt.Errorf("instrumentation callback replaced the block's terminator (%s) with a non-terminator", last.Mnemonic)
	}
	return nil
}

// cacheBudgetPerInstr is a conservative upper bound on how many bytes a
// single pass-through or synthesized instruction can expand to,
// covering the worst case (an original instruction plus a following
// exit stub).
const cacheBudgetPerInstr = 32

// emit lays out instrs into a fresh byte buffer, building the
// translation table and exit stubs as it goes. The buffer is not yet
// placed at a real cache address; CacheBase is filled in by the code
// cache when the fragment is actually inserted into the arena, and a
// second relocation pass (relocate) re-targets PC-relative fields
// accordingly.
func (b *Builder) emit(startPC hostarch.Addr, instrs []*ir.Instruction, generation uint64) (*Fragment, error) {
	frag := &Fragment{
		StartPC:    startPC,
		Instrs:     instrs,
		Incoming:   make(map[hostarch.Addr]bool),
		Generation: generation,
	}
	buf := make([]byte, 0, len(instrs)*cacheBudgetPerInstr)
	cursor := make([]byte, 16)

	for _, inst := range instrs {
		offset := hostarch.Addr(len(buf))
		if inst.SourcePC != 0 {
			frag.Translation = append(frag.Translation, TranslationEntry{CachePC: offset, AppPC: inst.SourcePC})
		}

		if inst.IsTerminator() {
			instBytes, stubs, stubBytes, err := b.emitTerminator(inst, offset, cursor)
			if err != nil {
				return nil, err
			}
			for _, s := range stubs {
				s.Owner = startPC
				frag.Stubs = append(frag.Stubs, s)
			}
			buf = append(buf, instBytes...)
			buf = append(buf, stubBytes...)
			continue
		}

		n, err := encode.Encode(inst, cursor, offset)
		if err != nil {
			return nil, vmerr.New(vmerr.KindEncode, "fragment.emit", err)
		}
		buf = append(buf, cursor[:n]...)
	}
	frag.Emitted = buf
	return frag, nil
}

// emitTerminator encodes a basic block's terminating instruction
// together with its exit stub(s), per spec §4.2's control-flow
// rewriting rules: every path leaving the fragment must funnel through
// a stub rather than transferring straight to the uninstrumented
// application target. Stubs are emitted unlinked (jump to a sentinel
// dispatcher address); the code cache patches them to direct jumps once
// the target fragment exists.
//
// For a direct unconditional branch the original jump is simply
// dropped: falling through to the stub that follows has the identical
// effect. A conditional branch and a call cannot be dropped (the
// condition test and the return-address push are both real side
// effects), so instead their own PC-relative field is retargeted at
// the stub that must receive control, and the stub layout is chosen so
// that the instruction's native fall-through path (conditional:
// not-taken; call: the hardware's own return-address push) lands on
// the right stub without any further rewriting.
func (b *Builder) emitTerminator(term *ir.Instruction, cacheOffset hostarch.Addr, cursor []byte) (instBytes []byte, stubs []*ExitStub, stubBytes []byte, err error) {
	emitUnlinked := func(kind StubKind, target, at hostarch.Addr) (*ExitStub, []byte, error) {
		const dispatcherSentinel = hostarch.Addr(0) // patched by the code cache at insertion time
		c := make([]byte, encode.JMPRel32Len)
		n, err := encode.EncodeJMPRel32(c, at, dispatcherSentinel)
		if err != nil {
			return nil, nil, vmerr.New(vmerr.KindEncode, "fragment.emitTerminator", err)
		}
		return &ExitStub{Kind: kind, TargetPC: target, CachePC: at, State: Unlinked}, c[:n], nil
	}
	passthrough := func() (int, error) {
		n, err := encode.Encode(term, cursor, cacheOffset)
		if err != nil {
			return 0, vmerr.New(vmerr.KindEncode, "fragment.emitTerminator", err)
		}
		return n, nil
	}

	switch term.Branch {
	case ir.BranchDirect:
		stub, sb, err := emitUnlinked(StubDirect, term.BranchTarget, cacheOffset)
		if err != nil {
			return nil, nil, nil, err
		}
		return nil, []*ExitStub{stub}, sb, nil

	case ir.BranchCall:
		// Layout: [call -> callee stub][landing stub][callee stub]. The
		// CPU's own return-address push always lands wherever the call
		// instruction physically ends, so the landing stub — which
		// handles the post-call continuation once the callee eventually
		// returns here — has to occupy that slot; the call itself is
		// retargeted past it to the callee stub.
		landingAt := cacheOffset + hostarch.Addr(len(term.Raw))
		calleeAt := landingAt + hostarch.Addr(encode.JMPRel32Len)
		n, err := encodeRetargeted(term, cursor, cacheOffset, calleeAt)
		if err != nil {
			return nil, nil, nil, err
		}
		inst := append([]byte(nil), cursor[:n]...)

		landing, landingBytes, err := emitUnlinked(StubDirect, term.SourcePC+hostarch.Addr(term.Len()), landingAt)
		if err != nil {
			return nil, nil, nil, err
		}
		callee, calleeBytes, err := emitUnlinked(StubDirect, term.BranchTarget, calleeAt)
		if err != nil {
			return nil, nil, nil, err
		}
		return inst, []*ExitStub{landing, callee}, append(landingBytes, calleeBytes...), nil

	case ir.BranchConditional:
		// Layout: [jcc -> taken stub][fall-through stub][taken stub]. A
		// not-taken branch falls straight through into the fall-through
		// stub; the jcc is retargeted past it to the taken stub.
		fallAt := cacheOffset + hostarch.Addr(len(term.Raw))
		takenAt := fallAt + hostarch.Addr(encode.JMPRel32Len)
		n, err := encodeRetargeted(term, cursor, cacheOffset, takenAt)
		if err != nil {
			return nil, nil, nil, err
		}
		inst := append([]byte(nil), cursor[:n]...)

		fallThrough, fallBytes, err := emitUnlinked(StubConditionalFallThrough, term.SourcePC+hostarch.Addr(term.Len()), fallAt)
		if err != nil {
			return nil, nil, nil, err
		}
		taken, takenBytes, err := emitUnlinked(StubConditionalTaken, term.BranchTarget, takenAt)
		if err != nil {
			return nil, nil, nil, err
		}
		return inst, []*ExitStub{taken, fallThrough}, append(fallBytes, takenBytes...), nil

	case ir.BranchIndirect, ir.BranchCallIndirect:
		// The target isn't statically known; the original instruction
		// keeps deciding it at runtime, resolved via the dispatcher's
		// indirect-branch lookup.
		n, err := passthrough()
		if err != nil {
			return nil, nil, nil, err
		}
		stub, sb, err := emitUnlinked(StubIndirect, 0, cacheOffset+hostarch.Addr(n))
		if err != nil {
			return nil, nil, nil, err
		}
		return append([]byte(nil), cursor[:n]...), []*ExitStub{stub}, sb, nil

	case ir.BranchReturn:
		n, err := passthrough()
		if err != nil {
			return nil, nil, nil, err
		}
		stub, sb, err := emitUnlinked(StubReturn, 0, cacheOffset+hostarch.Addr(n))
		if err != nil {
			return nil, nil, nil, err
		}
		return append([]byte(nil), cursor[:n]...), []*ExitStub{stub}, sb, nil

	case ir.BranchSyscall, ir.BranchTrap:
		// syscall/int/trap instructions fall through to the next byte on
		// return from the kernel, which is exactly where the stub sits.
		n, err := passthrough()
		if err != nil {
			return nil, nil, nil, err
		}
		stub, sb, err := emitUnlinked(StubSyscall, term.SourcePC+hostarch.Addr(term.Len()), cacheOffset+hostarch.Addr(n))
		if err != nil {
			return nil, nil, nil, err
		}
		return append([]byte(nil), cursor[:n]...), []*ExitStub{stub}, sb, nil

	default:
		return nil, nil, nil, vmerr.Fatal(vmerr.KindEncode, "fragment.emitTerminator",
			fmt.Errorf("unhandled terminator branch kind %v for %s", term.Branch, term.Mnemonic))
	}
}

// encodeRetargeted encodes term at cacheOffset the way pkg/encode.Encode
// does, except its PC-relative field is pointed at redirectTarget (the
// exit stub that must actually receive control) instead of term's
// original, statically-known application branch target.
func encodeRetargeted(term *ir.Instruction, cursor []byte, cacheOffset, redirectTarget hostarch.Addr) (int, error) {
	saved := term.PCRelTarget
	term.PCRelTarget = redirectTarget
	n, err := encode.Encode(term, cursor, cacheOffset)
	term.PCRelTarget = saved
	if err != nil {
		return 0, vmerr.New(vmerr.KindEncode, "fragment.encodeRetargeted", err)
	}
	return n, nil
}

// Relocate rewrites frag's emitted bytes to their final cache address.
// The builder emits instructions at offsets from 0 because the real
// cache address is only known once the code cache reserves storage;
// this pass patches PC-relative fields a second time now that base is
// final, matching the "recomputes PC-relative operands relative to
// their new cache address" fix-up rule of spec §4.2.
func (frag *Fragment) Relocate(base hostarch.Addr) {
	frag.CacheBase = base
	for i := range frag.Translation {
		frag.Translation[i].CachePC += base
	}
	for _, s := range frag.Stubs {
		s.CachePC += base
	}
	vtlog.Debugf("fragment: relocated %#x instructions to base %#x", uintptr(frag.StartPC), uintptr(base))
}
