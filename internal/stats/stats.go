// stats.go - 编译与侧出口统计
//
// Counters 汇总编译器运行期间的计数。侧出口计数器放在一块固定的内存中，
// 生成的代码直接对其中的地址做原子加法，因此每个计数器的地址在
// Counters 的整个生命周期内不变。

package stats

import (
	"unsafe"

	"github.com/segmentio/encoding/json"
	"go.uber.org/atomic"

	"github.com/tangzhangming/novajit/internal/lir"
)

// ============================================================================
// 侧出口计数器
// ============================================================================

// 生成的代码按 8 字节整数访问计数器
var (
	_ [unsafe.Sizeof(atomic.Uint64{}) - 8]struct{}
	_ [8 - unsafe.Sizeof(atomic.Uint64{})]struct{}
)

// ExitCounters 每个侧出口原因一个计数器
type ExitCounters struct {
	slab []atomic.Uint64
}

func newExitCounters() *ExitCounters {
	return &ExitCounters{slab: make([]atomic.Uint64, lir.NumSideExitReasons)}
}

// Ptr 返回原因对应计数器的地址，供生成的代码递增
func (c *ExitCounters) Ptr(reason lir.SideExitReason) uintptr {
	return uintptr(unsafe.Pointer(&c.slab[reason]))
}

// Load 读取计数
func (c *ExitCounters) Load(reason lir.SideExitReason) uint64 {
	return c.slab[reason].Load()
}

// Add 在 Go 侧增加计数
func (c *ExitCounters) Add(reason lir.SideExitReason, n uint64) {
	c.slab[reason].Add(n)
}

// Total 所有原因的计数之和
func (c *ExitCounters) Total() uint64 {
	var sum uint64
	for i := range c.slab {
		sum += c.slab[i].Load()
	}
	return sum
}

// ============================================================================
// 编译计数器
// ============================================================================

// Counters 编译统计
type Counters struct {
	CompiledUnits  atomic.Uint64 // 成功编译的单元
	FailedCompiles atomic.Uint64 // 因容量不足失败的编译
	CodeBytes      atomic.Uint64 // 写入的机器码字节数
	Insns          atomic.Uint64 // 分配后的指令数
	StackSlots     atomic.Uint64 // 溢出使用的栈槽（最高水位之和）
	GCOffsets      atomic.Uint64 // 内嵌的堆对象引用
	Guards         atomic.Uint64 // 以侧出口为目标的守卫
	ExitStubs      atomic.Uint64 // 去重后生成的出口

	Exits *ExitCounters
}

// NewCounters 创建计数器
func NewCounters() *Counters {
	return &Counters{Exits: newExitCounters()}
}

// Snapshot 某一时刻的统计值
type Snapshot struct {
	CompiledUnits  uint64            `json:"compiled_units"`
	FailedCompiles uint64            `json:"failed_compiles"`
	CodeBytes      uint64            `json:"code_bytes"`
	Insns          uint64            `json:"insns"`
	StackSlots     uint64            `json:"stack_slots"`
	GCOffsets      uint64            `json:"gc_offsets"`
	Guards         uint64            `json:"guards"`
	ExitStubs      uint64            `json:"exit_stubs"`
	SideExits      uint64            `json:"side_exits"`
	ExitsByReason  map[string]uint64 `json:"exits_by_reason,omitempty"`
}

// Snapshot 读取当前统计值，只列出计数非零的侧出口原因
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		CompiledUnits:  c.CompiledUnits.Load(),
		FailedCompiles: c.FailedCompiles.Load(),
		CodeBytes:      c.CodeBytes.Load(),
		Insns:          c.Insns.Load(),
		StackSlots:     c.StackSlots.Load(),
		GCOffsets:      c.GCOffsets.Load(),
		Guards:         c.Guards.Load(),
		ExitStubs:      c.ExitStubs.Load(),
		SideExits:      c.Exits.Total(),
	}
	for r := lir.SideExitReason(0); r < lir.NumSideExitReasons; r++ {
		if n := c.Exits.Load(r); n > 0 {
			if s.ExitsByReason == nil {
				s.ExitsByReason = make(map[string]uint64)
			}
			s.ExitsByReason[r.String()] = n
		}
	}
	return s
}

// JSON 以缩进的 JSON 输出快照
func (s Snapshot) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
