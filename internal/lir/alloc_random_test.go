package lir_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tangzhangming/novajit/internal/backend/arm64"
	"github.com/tangzhangming/novajit/internal/backend/x64"
	"github.com/tangzhangming/novajit/internal/lir"
)

// 随机生成直线 LIR，分别解释分配前后的指令，可观察的结果必须一致：
// 堆内存、本地调用的参数以及返回值。
func TestAllocPreservesSemantics(t *testing.T) {
	platforms := []*lir.Platform{x64.Platform(), arm64.Platform()}
	for _, base := range platforms {
		for _, numRegs := range []int{1, 2, 3, 0} {
			p := base.LimitRegs(numRegs)
			t.Run(fmt.Sprintf("%s/%d", p.Name, numRegs), func(t *testing.T) {
				for seed := int64(1); seed <= 200; seed++ {
					checkAllocation(t, p, seed)
				}
			})
		}
	}
}

func checkAllocation(t *testing.T, p *lir.Platform, seed int64) {
	t.Helper()
	a := randomUnit(rand.New(rand.NewSource(seed)), p)
	listing := a.Format(p)

	want := newMachine(t, p, false)
	want.run(a.Insns)

	allocated := lir.AllocRegs(a, p, nil)
	got := newMachine(t, p, true)
	got.run(allocated.Insns)

	if diff := cmp.Diff(want.result(), got.result()); diff != "" {
		t.Fatalf("seed %d: allocation changed behavior (-before +after):\n%s\nbefore:\n%s\nafter:\n%s",
			seed, diff, listing, allocated.Format(p))
	}
}

// ============================================================================
// 随机程序
// ============================================================================

const (
	spBase   = 0x10000
	heapBase = 0x20000
	numCells = 6
)

func randomUnit(rng *rand.Rand, p *lir.Platform) *lir.Assembler {
	a := lir.NewAssembler()
	sp := lir.NewReg(p.SP)
	a.FrameSetup(nil)

	var live, bases []lir.Opnd
	pick := func() lir.Opnd { return live[rng.Intn(len(live))] }
	operand := func() lir.Opnd {
		if rng.Intn(4) == 0 {
			return lir.Imm(rng.Int63n(1000) - 500)
		}
		return pick()
	}
	spCell := func() lir.Opnd {
		return lir.MemOpnd(64, sp, -8*int32(rng.Intn(numCells)+1))
	}
	heapCell := func() lir.Opnd {
		if len(bases) == 0 || rng.Intn(3) == 0 {
			bases = append(bases, a.Load(lir.UImm(heapBase)))
		}
		return lir.MemOpnd(64, bases[rng.Intn(len(bases))], 8*int32(rng.Intn(numCells)))
	}

	live = append(live, a.Load(lir.Imm(rng.Int63n(1<<20))))
	for n := 16 + rng.Intn(32); n > 0; n-- {
		switch rng.Intn(12) {
		case 0:
			live = append(live, a.Load(lir.Imm(rng.Int63n(1<<20))))
		case 1:
			live = append(live, a.Load(spCell()))
		case 2:
			live = append(live, a.Load(heapCell()))
		case 3:
			a.Store(spCell(), operand())
		case 4:
			a.Store(heapCell(), operand())
		case 5:
			live = append(live, a.Add(pick(), operand()))
		case 6:
			live = append(live, a.Sub(pick(), operand()))
		case 7:
			switch rng.Intn(3) {
			case 0:
				live = append(live, a.And(pick(), operand()))
			case 1:
				live = append(live, a.Or(pick(), operand()))
			default:
				live = append(live, a.Xor(pick(), operand()))
			}
		case 8:
			live = append(live, a.Not(pick()))
		case 9:
			live = append(live, a.LShift(pick(), lir.Imm(rng.Int63n(4))))
		case 10:
			args := make([]lir.Opnd, rng.Intn(3))
			for i := range args {
				args[i] = operand()
			}
			live = append(live, a.CCall(uintptr(0x1000+rng.Intn(4)*0x10), args...))
		case 11:
			a.Mov(spCell(), operand())
		}
	}

	// 保留若干值直到结尾，延长活跃区间
	for i := 0; i < 3; i++ {
		a.Store(spCell(), pick())
	}
	result := pick()
	a.FrameTeardown(nil)
	a.CRet(result)
	return a
}

// ============================================================================
// 解释器
// ============================================================================

type nativeCall struct {
	Fptr uintptr
	Args []uint64
}

type outcome struct {
	Heap  map[uint64]uint64
	Calls []nativeCall
	Ret   uint64
}

// machine 只解释随机程序用到的指令
//
// allocated 为 false 时按虚拟寄存器解释，为 true 时只允许物理位置。
type machine struct {
	t         *testing.T
	p         *lir.Platform
	allocated bool

	regs   map[uint8]uint64
	vregs  map[int]uint64
	slots  map[int]uint64
	heap   map[uint64]uint64
	pushed []uint64
	calls  []nativeCall
	ret    uint64
}

func newMachine(t *testing.T, p *lir.Platform, allocated bool) *machine {
	return &machine{
		t:         t,
		p:         p,
		allocated: allocated,
		regs:      map[uint8]uint64{p.SP.No: spBase},
		vregs:     map[int]uint64{},
		slots:     map[int]uint64{},
		heap:      map[uint64]uint64{},
	}
}

func (m *machine) result() outcome {
	return outcome{Heap: m.heap, Calls: m.calls, Ret: m.ret}
}

func (m *machine) run(insns []lir.Insn) {
	for i := range insns {
		insn := &insns[i]
		switch insn.Op {
		case lir.OpFrameSetup, lir.OpFrameTeardown, lir.OpComment:
		case lir.OpLoad:
			m.write(insn.Out, m.read(insn.Opnds[0]))
		case lir.OpLoadInto, lir.OpMov, lir.OpStore:
			m.write(insn.Opnds[0], m.read(insn.Opnds[1]))
		case lir.OpAdd, lir.OpSub, lir.OpAnd, lir.OpOr, lir.OpXor, lir.OpLShift:
			m.write(insn.Out, alu(insn.Op, m.read(insn.Opnds[0]), m.read(insn.Opnds[1])))
		case lir.OpNot:
			m.write(insn.Out, ^m.read(insn.Opnds[0]))
		case lir.OpCPush:
			m.pushed = append(m.pushed, m.read(insn.Opnds[0]))
		case lir.OpCPopInto:
			n := len(m.pushed) - 1
			m.write(insn.Opnds[0], m.pushed[n])
			m.pushed = m.pushed[:n]
		case lir.OpCCall:
			m.call(insn)
		case lir.OpCRet:
			m.ret = m.read(insn.Opnds[0])
			if len(m.pushed) != 0 {
				m.t.Fatalf("%d values left on the native stack at return", len(m.pushed))
			}
			return
		default:
			m.t.Fatalf("unexpected instruction %s", insn)
		}
	}
	m.t.Fatal("program did not return")
}

func alu(op lir.Op, x, y uint64) uint64 {
	switch op {
	case lir.OpAdd:
		return x + y
	case lir.OpSub:
		return x - y
	case lir.OpAnd:
		return x & y
	case lir.OpOr:
		return x | y
	case lir.OpXor:
		return x ^ y
	default:
		return x << (y & 63)
	}
}

// call 记录参数并计算结果，然后破坏所有调用者保存寄存器
func (m *machine) call(insn *lir.Insn) {
	args := make([]uint64, len(insn.Opnds))
	sum := uint64(insn.Fptr)
	for i, o := range insn.Opnds {
		args[i] = m.read(o)
		sum = sum*31 + args[i]
	}
	m.calls = append(m.calls, nativeCall{Fptr: insn.Fptr, Args: args})

	if !m.allocated {
		m.write(insn.Out, sum)
		return
	}
	clobbered := append(append([]lir.Reg(nil), m.p.CallerSaved...), m.p.Scratch)
	for i, r := range clobbered {
		m.regs[r.No] = 0xdead0000 + uint64(i)
	}
	m.regs[m.p.CRetReg.No] = sum
	if insn.Out.IsReg() && !insn.Out.Reg.SameAs(m.p.CRetReg) {
		m.t.Fatalf("call result in %s, want the return register", insn.Out)
	}
}

func (m *machine) addr(mem lir.Mem) uint64 {
	disp := uint64(int64(mem.Disp))
	switch mem.Base.Kind {
	case lir.BaseReg:
		return m.readReg(mem.Base.Reg) + disp
	case lir.BaseVReg:
		m.checkVReg()
		return m.vregs[mem.Base.Idx] + disp
	}
	m.t.Fatalf("no address for stack slot %d", mem.Base.Idx)
	return 0
}

func (m *machine) readReg(no uint8) uint64 {
	v, ok := m.regs[no]
	if !ok {
		m.t.Fatalf("read of uninitialized register %s", m.p.RegName(no))
	}
	return v
}

func (m *machine) checkVReg() {
	if m.allocated {
		m.t.Fatal("virtual register left after allocation")
	}
}

func (m *machine) read(o lir.Opnd) uint64 {
	switch o.Kind {
	case lir.OpndImm, lir.OpndUImm, lir.OpndValue:
		return o.Imm
	case lir.OpndReg:
		return m.readReg(o.Reg.No)
	case lir.OpndVReg:
		m.checkVReg()
		v, ok := m.vregs[o.Idx]
		if !ok {
			m.t.Fatalf("read of undefined v%d", o.Idx)
		}
		return v
	case lir.OpndMem:
		if o.IsStack() {
			v, ok := m.slots[o.Mem.Base.Idx]
			if !ok {
				m.t.Fatalf("read of unwritten stack slot %d", o.Mem.Base.Idx)
			}
			return v
		}
		addr := m.addr(o.Mem)
		if v, ok := m.heap[addr]; ok {
			return v
		}
		return addr * 0x9e3779b9
	}
	m.t.Fatalf("cannot read %s", o)
	return 0
}

func (m *machine) write(o lir.Opnd, v uint64) {
	switch o.Kind {
	case lir.OpndReg:
		m.regs[o.Reg.No] = v
	case lir.OpndVReg:
		m.checkVReg()
		m.vregs[o.Idx] = v
	case lir.OpndMem:
		if o.IsStack() {
			m.slots[o.Mem.Base.Idx] = v
			return
		}
		m.heap[m.addr(o.Mem)] = v
	default:
		m.t.Fatalf("cannot write %s", o)
	}
}
