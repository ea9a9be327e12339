package model

// Persona 是客户角色的不可变配置，显式传入评估、指令格式化与评分。
type Persona struct {
	ID              string        `yaml:"id" json:"id"`
	Name            string        `yaml:"name" json:"name"`
	Voice           string        `yaml:"voice" json:"voice"`
	InitialAttitude int           `yaml:"initial_attitude" json:"initial_attitude"`
	Scale           AttitudeScale `yaml:"scale" json:"scale"`
	// ConvertAt/WalkAwayAt 是结束阈值：态度达到 ConvertAt 视为成交，低于等于 WalkAwayAt 视为离开。
	ConvertAt        int      `yaml:"convert_at" json:"convert_at"`
	WalkAwayAt       int      `yaml:"walk_away_at" json:"walk_away_at"`
	Identity         string   `yaml:"identity" json:"identity"`
	WeakPoints       []string `yaml:"weak_points" json:"weak_points"`
	Experience       string   `yaml:"experience" json:"experience"`
	ResistancePoints []string `yaml:"resistance_points" json:"resistance_points"`
	Traits           []string `yaml:"traits" json:"traits"`
	Prompt           string   `yaml:"prompt" json:"-"`
}

// Hints 返回供评估方参考的人设要点。
func (p Persona) Hints() PersonaHints {
	return PersonaHints{
		Name:             p.Name,
		Identity:         p.Identity,
		WeakPoints:       p.WeakPoints,
		Experience:       p.Experience,
		ResistancePoints: p.ResistancePoints,
	}
}

// PersonaHints 是人设中与评估相关的精简描述。
type PersonaHints struct {
	Name             string   `json:"name"`
	Identity         string   `json:"identity"`
	WeakPoints       []string `json:"weak_points"`
	Experience       string   `json:"experience"`
	ResistancePoints []string `json:"resistance_points"`
}
