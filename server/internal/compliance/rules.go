package compliance

import "pitchtalk/server/internal/model"

// ForbiddenRule 是一条禁用表述及其纠正提示。
type ForbiddenRule struct {
	Phrase     string         `yaml:"phrase" json:"phrase"`
	Correction string         `yaml:"correction" json:"correction"`
	Severity   model.Severity `yaml:"severity" json:"severity"`
}

// Rules 是扫描器的识别集合与禁用表，属于配置数据。
type Rules struct {
	AgePatterns         []string        `yaml:"age_patterns"`
	EligibilityPatterns []string        `yaml:"eligibility_patterns"`
	TopicPatterns       []string        `yaml:"topic_patterns"`
	Forbidden           []ForbiddenRule `yaml:"forbidden"`
	// FlowSeverity 是顺序违规的严重程度，默认 instant-end。
	FlowSeverity model.Severity `yaml:"flow_severity"`
}

// DefaultRules 返回内置的识别集合（成人尼古丁产品零售场景，英/捷双语）。
func DefaultRules() Rules {
	return Rules{
		AgePatterns: []string{
			"how old", "your age", "over 18", "18 or older", "are you of age", "are you an adult",
			"id card", "see your id", "some id", "date of birth",
			"kolik je vám", "kolik vám je", "je vám 18", "plnoletý", "plnoletá", "občanku", "občanský průkaz",
		},
		EligibilityPatterns: []string{
			"do you smoke", "are you a smoker", "what do you smoke", "do you currently smoke", "do you use tobacco",
			"kouříte", "jste kuřák", "jste kuřačka", "co kouříte",
		},
		TopicPatterns: []string{
			"glo", "velo", "vuse", "heated tobacco", "nicotine pouch", "nicotine pouches", "e-cigarette", "vape",
			"zahřívaný tabák", "nikotinové sáčky", "e-cigareta",
		},
		Forbidden: []ForbiddenRule{
			{Phrase: "free", Correction: "Say \"included at no extra charge\" instead of \"free\".", Severity: model.SeverityWarning},
			{Phrase: "zdarma", Correction: "Místo \"zdarma\" řekněte \"v ceně\".", Severity: model.SeverityWarning},
			{Phrase: "smoke glo", Correction: "glo is used, not smoked.", Severity: model.SeverityWarning},
			{Phrase: "kouřit glo", Correction: "glo se používá, nekouří.", Severity: model.SeverityWarning},
			{Phrase: "healthier", Correction: "Never make health claims; describe the product factually.", Severity: model.SeverityViolation},
			{Phrase: "zdravější", Correction: "Nikdy netvrďte, že je produkt zdravější.", Severity: model.SeverityViolation},
			{Phrase: "safe", Correction: "Never call a nicotine product safe.", Severity: model.SeverityViolation},
		},
		FlowSeverity: model.SeverityInstantEnd,
	}
}
