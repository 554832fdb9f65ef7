package errors

// ============================================================================
// 修复建议
// ============================================================================

// SuggestionGenerator 根据错误码生成修复建议
type SuggestionGenerator struct{}

// NewSuggestionGenerator 创建建议生成器
func NewSuggestionGenerator() *SuggestionGenerator {
	return &SuggestionGenerator{}
}

// GetSuggestions 获取修复建议
func (g *SuggestionGenerator) GetSuggestions(code string, context map[string]interface{}) []string {
	switch code {
	case J0001:
		return g.outOfMemorySuggestions(context)
	case J0002:
		return g.pageMappingSuggestions()
	case J0100:
		return g.configSuggestions(context)
	case J0101:
		return g.targetSuggestions(context)
	case J0200:
		return g.unsupportedLoweringSuggestions(context)
	}
	return nil
}

// outOfMemorySuggestions 代码缓冲区耗尽的建议
func (g *SuggestionGenerator) outOfMemorySuggestions(context map[string]interface{}) []string {
	var suggestions []string
	if unit, ok := context["unit"].(string); ok && unit != "" {
		suggestions = append(suggestions, "编译单元 "+unit+" 将回退到解释器执行")
	}
	return append(suggestions,
		"增大配置中的 exec_mem_size 或 mem_limit",
		"减少同时编译的热点函数数量",
	)
}

// pageMappingSuggestions 页权限修改失败的建议
func (g *SuggestionGenerator) pageMappingSuggestions() []string {
	return []string{
		"检查系统是否禁止同一进程映射可写且可执行的内存（如 SELinux、PaX）",
		"检查进程的虚拟内存限制（ulimit -v）",
	}
}

// configSuggestions 配置错误的建议
func (g *SuggestionGenerator) configSuggestions(context map[string]interface{}) []string {
	var suggestions []string
	if field, ok := context["field"].(string); ok && field != "" {
		suggestions = append(suggestions, "检查配置项 "+field)
	}
	return append(suggestions, "运行 novajit -init 生成默认的 novajit.toml")
}

// targetSuggestions 不支持目标平台的建议
func (g *SuggestionGenerator) targetSuggestions(context map[string]interface{}) []string {
	var suggestions []string
	if target, ok := context["target"].(string); ok && target != "" {
		suggestions = append(suggestions, "目标平台 "+target+" 不受支持")
	}
	return append(suggestions, "可用的目标平台: x86_64, arm64, native")
}

// unsupportedLoweringSuggestions 不支持降级的建议
func (g *SuggestionGenerator) unsupportedLoweringSuggestions(context map[string]interface{}) []string {
	var suggestions []string
	if op, ok := context["op"].(string); ok && op != "" {
		suggestions = append(suggestions, "指令 "+op+" 在该平台上没有对应的降级")
	}
	return append(suggestions,
		"这是后端或上游优化器的缺陷，请报告问题",
		"该函数将回退到解释器执行",
	)
}

// 默认建议生成器
var defaultGenerator = NewSuggestionGenerator()

// GetSuggestions 使用默认生成器获取建议
func GetSuggestions(code string, context map[string]interface{}) []string {
	return defaultGenerator.GetSuggestions(code, context)
}
