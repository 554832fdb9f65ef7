package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/tangzhangming/novajit/internal/errors"
	"github.com/tangzhangming/novajit/internal/jit"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// maxHeapSize 交叉生成时堆内存的上限
const maxHeapSize = 16 << 20

var (
	configPath = flag.String("config", "", "Config file (default: ./"+jit.ConfigFileName+" if present)")
	targetFlag = flag.String("target", "", "Target platform: x86_64, arm64, native")
	numRegs    = flag.Int("regs", -1, "Limit allocatable registers (0 = all)")
	showLIR    = flag.Bool("lir", false, "Show allocated LIR")
	showDisasm = flag.Bool("disasm", false, "Show disassembly")
	showStats  = flag.Bool("stats", false, "Show compile statistics as JSON")
	debugLog   = flag.Bool("debug", false, "Enable debug logging")
	initConfig = flag.Bool("init", false, "Write a default config file and exit")
	noColor    = flag.Bool("no-color", false, "Disable colored output")
)

// reporter 本次运行的所有诊断
var reporter = errors.NewReporter()

func main() {
	flag.Usage = usage
	flag.Parse()

	if *noColor {
		errors.DisableColors()
	}

	if *initConfig {
		path := *configPath
		if path == "" {
			path = jit.ConfigFileName
		}
		if err := jit.DefaultConfig().Save(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created %s\n", path)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		report(err)
		os.Exit(1)
	}

	names := flag.Args()
	if len(names) == 0 || (len(names) == 1 && names[0] == "all") {
		names = names[:0]
		for _, u := range sampleUnits {
			names = append(names, u.name)
		}
	}

	ctx, err := newContext(cfg)
	if err != nil {
		report(err)
		os.Exit(1)
	}

	failed := false
	for _, name := range names {
		unit, ok := findUnit(name)
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown unit %q\n", name)
			failed = true
			continue
		}
		if !compileUnit(ctx, unit) {
			failed = true
		}
	}

	if cfg.Stats {
		out, err := ctx.Stats.Snapshot().JSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			failed = true
		} else {
			fmt.Println("=== Stats ===")
			fmt.Println(string(out))
		}
	}

	if err := ctx.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		failed = true
	}
	reporter.Summary()
	if failed || reporter.HasErrors() {
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("novajit - LIR backend driver")
	fmt.Println()
	fmt.Println("Usage: novajit [options] [unit...]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Units:")
	for _, u := range sampleUnits {
		fmt.Printf("  %-10s %s\n", u.name, u.desc)
	}
}

// loadConfig 加载配置文件并应用命令行选项
func loadConfig() (*jit.Config, error) {
	cfg := jit.DefaultConfig()
	path := *configPath
	if path == "" {
		if _, err := os.Stat(jit.ConfigFileName); err == nil {
			path = jit.ConfigFileName
		}
	}
	if path != "" {
		loaded, err := jit.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *targetFlag != "" {
		cfg.Target = *targetFlag
	}
	if *numRegs >= 0 {
		cfg.NumRegs = *numRegs
	}
	cfg.DumpLIR = cfg.DumpLIR || *showLIR
	cfg.DumpDisasm = cfg.DumpDisasm || *showDisasm
	cfg.Stats = cfg.Stats || *showStats
	cfg.Debug = cfg.Debug || *debugLog
	return cfg, cfg.Validate()
}

// newContext 为非本机目标生成代码时使用堆内存，不申请可执行页
func newContext(cfg *jit.Config) (*jit.Context, error) {
	target, err := cfg.ResolveTarget()
	if err != nil {
		return nil, err
	}
	var opts []jit.Option
	if !isNative(target) {
		pageSize := virtualmem.SystemPageSize()
		size := min(cfg.ExecMemSize, maxHeapSize)
		size = max(size/pageSize*pageSize, pageSize)
		mem, _ := virtualmem.NewHeap(size, virtualmem.Options{
			PageSize: pageSize,
			MemLimit: cfg.MemLimit,
		})
		opts = append(opts, jit.WithMemory(mem))
	}
	return jit.NewContext(cfg, opts...)
}

func isNative(target string) bool {
	switch runtime.GOARCH {
	case "amd64":
		return target == jit.TargetX64
	case "arm64":
		return target == jit.TargetARM64
	}
	return false
}

// compileUnit 编译一个示例单元并输出结果
func compileUnit(ctx *jit.Context, unit sampleUnit) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			le, isLowering := r.(*errors.UnsupportedLoweringError)
			if !isLowering {
				panic(r)
			}
			reporter.ReportLowering(le)
			ok = false
		}
	}()

	code, err := ctx.Compile(unit.name, unit.build(ctx.Backend.Platform()))
	if err != nil {
		// 可恢复的错误只让该单元回退到解释器
		if errors.IsRecoverableError(err) {
			if ce, isCompile := err.(*errors.CompileError); isCompile {
				ce.Level = errors.LevelWarning
			}
			report(err)
			return true
		}
		report(err)
		return false
	}

	fmt.Printf("=== %s (%s) ===\n", unit.name, unit.desc)
	fmt.Printf("  Entry:      %#x\n", code.Entry)
	fmt.Printf("  Size:       %d bytes\n", code.Size)
	fmt.Printf("  Side exits: %d guards, %d stubs\n", code.Guards, code.ExitStubs)
	fmt.Printf("  Stack:      %d slots\n", code.StackSlots)
	if len(code.GCOffsets) > 0 {
		offsets := make([]string, len(code.GCOffsets))
		for i, p := range code.GCOffsets {
			offsets[i] = fmt.Sprintf("%#x", p.Offset())
		}
		fmt.Printf("  GC offsets: %s\n", strings.Join(offsets, ", "))
	}

	if code.LIR != "" {
		fmt.Println()
		fmt.Println("--- LIR ---")
		fmt.Print(code.LIR)
	}
	if code.Disasm != "" {
		fmt.Println()
		fmt.Println("--- Disassembly ---")
		h := errors.NewAsmHighlighter(ctx.Backend.Platform().RegNames)
		for _, line := range strings.Split(strings.TrimRight(code.Disasm, "\n"), "\n") {
			fmt.Println(h.HighlightLine(line))
		}
	}
	fmt.Println()
	return true
}

func report(err error) {
	if ce, ok := err.(*errors.CompileError); ok {
		reporter.ReportError(ce)
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
