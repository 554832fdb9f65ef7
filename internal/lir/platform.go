// platform.go - 目标平台与对象模型描述
//
// Platform 描述一个目标指令集上寄存器的用途划分，由各个后端提供。
// ObjectModel 描述运行时的对象布局常量，生成侧出口和帧布局时使用。

package lir

// ============================================================================
// 目标平台
// ============================================================================

// Platform 目标平台寄存器约定
type Platform struct {
	Name string

	// AllocRegs 可分配寄存器（按分配优先级排序）
	AllocRegs []Reg

	// CArgRegs 本地调用参数寄存器
	CArgRegs []Reg

	// CRetReg 本地调用返回值寄存器
	CRetReg Reg

	// Scratch 分配器保留的临时寄存器，用于打破移动环、
	// 重载栈上的内存基址以及侧出口代码，永远不会分配给虚拟寄存器
	Scratch Reg

	// StackPtr / FramePtr 本地栈指针和帧指针
	StackPtr Reg
	FramePtr Reg

	// 解释器状态寄存器（被调用者保存）
	CFP Reg // 当前控制帧
	SP  Reg // 解释器操作数栈指针
	EC  Reg // 执行上下文

	// CallerSaved CPushAll/CPopAll 保存的寄存器
	CallerSaved []Reg

	// AlignPushes 调用前压栈个数为奇数时补一个，维持 16 字节对齐
	AlignPushes bool

	// RegNames 寄存器名称（按编号索引）
	RegNames []string
}

// RegName 返回寄存器名称
func (p *Platform) RegName(no uint8) string {
	if p != nil && int(no) < len(p.RegNames) {
		return p.RegNames[no]
	}
	return Reg{No: no}.String()
}

// LimitRegs 返回只使用前 n 个可分配寄存器的副本，n <= 0 时不限制
func (p *Platform) LimitRegs(n int) *Platform {
	if n <= 0 || n >= len(p.AllocRegs) {
		return p
	}
	cp := *p
	cp.AllocRegs = append([]Reg(nil), p.AllocRegs[:n]...)
	return &cp
}

// ============================================================================
// 对象模型
// ============================================================================

// ObjectModel 运行时对象模型常量
type ObjectModel struct {
	// ValueSize 装箱值的字节宽度
	ValueSize int32

	// 特殊常量
	Qfalse Value
	Qnil   Value
	Qtrue  Value
	Qundef Value

	// ImmediateMask 立即数标记位（非零即为立即值）
	ImmediateMask Value

	// 控制帧字段偏移
	CFPOffsetPC int32
	CFPOffsetSP int32

	// EnvDataSize 局部变量与栈之间的环境数据槽数
	EnvDataSize int32
}

// DefaultObjectModel 默认 64 位对象模型
func DefaultObjectModel() *ObjectModel {
	return &ObjectModel{
		ValueSize:     8,
		Qfalse:        0x00,
		Qnil:          0x08,
		Qtrue:         0x14,
		Qundef:        0x24,
		ImmediateMask: 0x07,
		CFPOffsetPC:   0,
		CFPOffsetSP:   8,
		EnvDataSize:   3,
	}
}

// IsSpecialConst 是否为不需要 GC 跟踪的特殊常量
func (m *ObjectModel) IsSpecialConst(v Value) bool {
	return v&m.ImmediateMask != 0 || v&^m.Qnil == 0
}

// IsHeapObject 是否为堆对象引用
func (m *ObjectModel) IsHeapObject(v Value) bool {
	return !m.IsSpecialConst(v)
}

// LocalOffset 返回第 idx 个局部变量相对解释器 SP 的槽偏移（单位: 值）
func (m *ObjectModel) LocalOffset(numLocals, idx int) int32 {
	epOffset := int32(numLocals-idx-1) + m.EnvDataSize
	return -epOffset - 1
}
