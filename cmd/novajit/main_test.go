package main

import (
	"testing"

	"github.com/tangzhangming/novajit/internal/jit"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// 所有示例单元都能在两个目标上编译
func TestSampleUnitsCompile(t *testing.T) {
	for _, target := range []string{jit.TargetX64, jit.TargetARM64} {
		for _, numRegs := range []int{0, 2} {
			cfg := jit.DefaultConfig()
			cfg.Target = target
			cfg.NumRegs = numRegs
			cfg.Stats = true
			cfg.DumpDisasm = true
			mem, _ := virtualmem.NewHeap(1<<20, virtualmem.Options{PageSize: 4096})
			ctx, err := jit.NewContext(cfg, jit.WithMemory(mem))
			if err != nil {
				t.Fatal(err)
			}

			for _, u := range sampleUnits {
				code, err := ctx.Compile(u.name, u.build(ctx.Backend.Platform()))
				if err != nil {
					t.Errorf("%s/%d regs/%s: %v", target, numRegs, u.name, err)
					continue
				}
				if code.Size == 0 || code.Disasm == "" {
					t.Errorf("%s/%d regs/%s: empty code", target, numRegs, u.name)
				}
				if u.name == "object" && len(code.GCOffsets) != 2 {
					t.Errorf("%s/%d regs/object: %d GC offsets, want 2", target, numRegs, len(code.GCOffsets))
				}
				if u.name == "guard" && (code.Guards != 2 || code.ExitStubs != 1) {
					t.Errorf("%s/%d regs/guard: guards = %d, stubs = %d", target, numRegs, code.Guards, code.ExitStubs)
				}
			}
			if err := ctx.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		}
	}
}

func TestFindUnit(t *testing.T) {
	if _, ok := findUnit("guard"); !ok {
		t.Error("guard unit not found")
	}
	if _, ok := findUnit("nope"); ok {
		t.Error("unknown unit found")
	}
}
