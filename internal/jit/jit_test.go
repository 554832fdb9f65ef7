package jit

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tangzhangming/novajit/internal/errors"
	"github.com/tangzhangming/novajit/internal/lir"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// ============================================================================
// 配置
// ============================================================================

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func compileErrorCode(t *testing.T, err error) string {
	t.Helper()
	var ce *errors.CompileError
	if !stderrors.As(err, &ce) {
		t.Fatalf("error %v is not a CompileError", err)
	}
	return ce.Code
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, `
[jit]
target = "arm64"
num_regs = 3
stats = true
dump_lir = true
`)
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.Target = TargetARM64
	want.NumRegs = 3
	want.Stats = true
	want.DumpLIR = true
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(writeFile(t, "[jit\n")); err == nil || compileErrorCode(t, err) != errors.J0100 {
		t.Errorf("parse error = %v, want J0100", err)
	}

	_, err := LoadConfig(writeFile(t, `
[jit]
target = "x86_64"
exec_mem_size = 0
page_size = 3000
trace_exits = true
`))
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	var ce *errors.CompileError
	if !stderrors.As(err, &ce) || ce.Code != errors.J0100 {
		t.Fatalf("error = %v, want J0100", err)
	}
	if len(ce.Notes) != 3 {
		t.Errorf("notes = %q, want 3 problems", ce.Notes)
	}

	if _, err := LoadConfig(writeFile(t, "[jit]\ntarget = \"mips\"\n")); err == nil || compileErrorCode(t, err) != errors.J0101 {
		t.Errorf("unknown target error = %v, want J0101", err)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestSaveConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target = TargetX64
	cfg.NumRegs = 2
	cfg.PageSize = 16384
	cfg.StackBaseSlots = 4
	cfg.Stats = true
	cfg.TraceExits = true
	cfg.DumpDisasm = true

	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("saved config mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		target string
		want   string
		code   string
	}{
		{TargetX64, TargetX64, ""},
		{TargetARM64, TargetARM64, ""},
		{"riscv64", "", errors.J0101},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Target = tt.target
		got, err := cfg.ResolveTarget()
		if tt.code != "" {
			if err == nil || compileErrorCode(t, err) != tt.code {
				t.Errorf("%s: error = %v, want %s", tt.target, err, tt.code)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s: got (%q, %v), want %q", tt.target, got, err, tt.want)
		}
	}
}

// ============================================================================
// 编译
// ============================================================================

func newTestContext(t *testing.T, cfg *Config, size int) *Context {
	t.Helper()
	mem, _ := virtualmem.NewHeap(size, virtualmem.Options{PageSize: 4096})
	c, err := NewContext(cfg, WithMemory(mem))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return c
}

// guardedUnit 比较后守卫，失败时回到解释器
func guardedUnit() *lir.Assembler {
	a := lir.NewAssembler()
	a.FrameSetup(nil)
	v := a.Load(lir.Imm(5))
	a.Cmp(v, lir.Imm(3))
	a.Jne(lir.SideExitTarget(&lir.SideExit{PC: 0x40, Stack: []lir.Opnd{v}, Reason: lir.ExitGuardType}))
	sum := a.Add(v, lir.Imm(1))
	a.FrameTeardown(nil)
	a.CRet(sum)
	return a
}

func TestCompile(t *testing.T) {
	for _, target := range []string{TargetX64, TargetARM64} {
		t.Run(target, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Target = target
			cfg.Stats = true
			cfg.DumpLIR = true
			cfg.DumpDisasm = true
			c := newTestContext(t, cfg, 64<<10)

			code, err := c.Compile("guarded", guardedUnit())
			if err != nil {
				t.Fatal(err)
			}
			if code.Size == 0 || code.Entry == 0 {
				t.Errorf("size = %d, entry = %#x", code.Size, code.Entry)
			}
			if code.Guards != 1 || code.ExitStubs != 1 {
				t.Errorf("guards = %d, stubs = %d, want 1 and 1", code.Guards, code.ExitStubs)
			}
			if !strings.Contains(code.LIR, "FrameSetup") {
				t.Errorf("LIR dump missing FrameSetup:\n%s", code.LIR)
			}
			if !strings.Contains(code.Disasm, "ret") {
				t.Errorf("disassembly missing ret:\n%s", code.Disasm)
			}

			snap := c.Stats.Snapshot()
			if snap.CompiledUnits != 1 || snap.CodeBytes != uint64(code.Size) || snap.Guards != 1 {
				t.Errorf("snapshot = %+v", snap)
			}

			// 第二个单元接在第一个之后
			second, err := c.Compile("second", guardedUnit())
			if err != nil {
				t.Fatal(err)
			}
			if second.Start.Offset() != code.Start.Offset()+code.Size {
				t.Errorf("second unit at %d, want %d", second.Start.Offset(), code.Start.Offset()+code.Size)
			}
		})
	}
}

func TestCompileStackBaseSlots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target = TargetX64
	cfg.NumRegs = 1
	cfg.StackBaseSlots = 2
	c := newTestContext(t, cfg, 64<<10)

	a := lir.NewAssembler()
	a.FrameSetup(nil)
	in0 := a.Load(lir.Imm(1))
	in1 := a.Load(lir.Imm(2))
	sum := a.Add(in0, in1)
	a.FrameTeardown(nil)
	a.CRet(sum)

	code, err := c.Compile("spill", a)
	if err != nil {
		t.Fatal(err)
	}
	if code.StackSlots != 3 {
		t.Errorf("stack slots = %d, want 3", code.StackSlots)
	}
}

// 代码缓冲区耗尽：返回可恢复错误，写指针回到单元起点，之后的编译不受影响
func TestCompileOutOfMemory(t *testing.T) {
	for _, target := range []string{TargetX64, TargetARM64} {
		t.Run(target, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Target = target
			c := newTestContext(t, cfg, 4096)

			a := lir.NewAssembler()
			a.FrameSetup(nil)
			v := a.Load(lir.Imm(0))
			for i := 0; i < 2000; i++ {
				v = a.Add(v, lir.Imm(1))
			}
			a.FrameTeardown(nil)
			a.CRet(v)

			_, err := c.Compile("huge", a)
			if !errors.IsOutOfMemory(err) {
				t.Fatalf("error = %v, want out of memory", err)
			}
			if !errors.IsRecoverableError(err) {
				t.Errorf("out of memory should be recoverable")
			}
			if pos := c.CodeBlock().WritePos(); pos != 0 {
				t.Errorf("write position = %d after failure, want 0", pos)
			}
			if got := c.Stats.FailedCompiles.Load(); got != 1 {
				t.Errorf("failed compiles = %d, want 1", got)
			}

			if _, err := c.Compile("small", guardedUnit()); err != nil {
				t.Fatalf("compile after failure: %v", err)
			}
		})
	}
}

// 页权限切换失败时回退写位置，之后的编译仍可使用同一块内存
func TestCompileProtectionFailure(t *testing.T) {
	mem, alloc := virtualmem.NewHeap(1<<16, virtualmem.Options{PageSize: 4096})
	cfg := DefaultConfig()
	cfg.Target = TargetARM64
	c, err := NewContext(cfg, WithMemory(mem))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	alloc.DenyExecutable = true
	_, err = c.Compile("denied", guardedUnit())
	if compileErrorCode(t, err) != errors.J0002 {
		t.Fatalf("error = %v, want J0002", err)
	}
	if !errors.IsRecoverableError(err) {
		t.Error("protection failure should be recoverable")
	}
	if pos := c.CodeBlock().WritePos(); pos != 0 {
		t.Errorf("write position = %d after failure, want 0", pos)
	}
	if got := c.Stats.FailedCompiles.Load(); got != 1 {
		t.Errorf("failed compiles = %d, want 1", got)
	}

	alloc.DenyExecutable = false
	code, err := c.Compile("retry", guardedUnit())
	if err != nil {
		t.Fatalf("compile after failure: %v", err)
	}
	if code.Start.Offset() != 0 {
		t.Errorf("retry starts at %d, want 0", code.Start.Offset())
	}
}

func TestExitCountersWired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target = TargetX64
	cfg.Stats = true
	cfg.TraceExits = true
	c := newTestContext(t, cfg, 64<<10)
	c.SetExitSampler(0x5000)

	plain := newTestContext(t, &Config{Target: TargetX64, ExecMemSize: 1 << 20}, 64<<10)

	counted, err := c.Compile("counted", guardedUnit())
	if err != nil {
		t.Fatal(err)
	}
	uncounted, err := plain.Compile("uncounted", guardedUnit())
	if err != nil {
		t.Fatal(err)
	}
	if counted.Size <= uncounted.Size {
		t.Errorf("counted exit (%d bytes) should be larger than plain exit (%d bytes)", counted.Size, uncounted.Size)
	}
}

func TestNewContextErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target = "sparc"
	if _, err := NewContext(cfg); err == nil || compileErrorCode(t, err) != errors.J0101 {
		t.Errorf("error = %v, want J0101", err)
	}

	cfg = DefaultConfig()
	cfg.NumRegs = -1
	if _, err := NewContext(cfg); err == nil || compileErrorCode(t, err) != errors.J0100 {
		t.Errorf("error = %v, want J0100", err)
	}
}

// ============================================================================
// 反汇编
// ============================================================================

func TestDisassemble(t *testing.T) {
	comments := func(pos int) []string {
		if pos == 0x10 {
			return []string{"entry"}
		}
		return nil
	}

	got := Disassemble(TargetX64, []byte{0x90, 0xc3}, 0x10, comments)
	want := "  ; entry\n" +
		"0x0010: 90                       nop\n" +
		"0x0011: c3                       ret\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("x86_64 disassembly mismatch (-want +got):\n%s", diff)
	}

	got = Disassemble(TargetARM64, []byte{0xc0, 0x03, 0x5f, 0xd6, 0x01, 0x02}, 0, nil)
	want = "0x0000: c0 03 5f d6              ret\n" +
		"0x0004: 01 02                    (truncated)\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("arm64 disassembly mismatch (-want +got):\n%s", diff)
	}
}
