// Package domain 加载客户角色目录，并为实时 Agent 生成角色指令。
package domain

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"pitchtalk/server/internal/model"
)

var ErrPersonaNotFound = errors.New("persona not found")

// Catalogue 是只读的角色目录。
type Catalogue struct {
	byID  map[string]model.Persona
	order []string
}

type personaFile struct {
	Personas []model.Persona `yaml:"personas"`
}

// LoadPersonas 从 YAML 文件加载角色目录。
func LoadPersonas(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas: %w", err)
	}
	return ParsePersonas(data)
}

// ParsePersonas 解析并校验角色目录：id 与 name 必填且 id 唯一，初始态度必须落在量表内。
func ParsePersonas(data []byte) (*Catalogue, error) {
	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse personas: %w", err)
	}
	if len(file.Personas) == 0 {
		return nil, errors.New("parse personas: catalogue is empty")
	}

	c := &Catalogue{byID: make(map[string]model.Persona, len(file.Personas))}
	for i, p := range file.Personas {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("persona #%d: id and name are required", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("persona %q: duplicate id", p.ID)
		}
		if p.Scale.Max > p.Scale.Min && p.Scale.Clamp(p.InitialAttitude) != p.InitialAttitude {
			return nil, fmt.Errorf("persona %q: initial attitude %d outside %d-%d", p.ID, p.InitialAttitude, p.Scale.Min, p.Scale.Max)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// NewCatalogue 直接用给定角色构建目录，主要用于测试。
func NewCatalogue(personas ...model.Persona) *Catalogue {
	c := &Catalogue{byID: make(map[string]model.Persona, len(personas))}
	for _, p := range personas {
		if _, ok := c.byID[p.ID]; !ok {
			c.order = append(c.order, p.ID)
		}
		c.byID[p.ID] = p
	}
	return c
}

func (c *Catalogue) Get(id string) (model.Persona, error) {
	p, ok := c.byID[id]
	if !ok {
		return model.Persona{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, id)
	}
	return p, nil
}

// List 按文件中的顺序返回全部角色。
func (c *Catalogue) List() []model.Persona {
	out := make([]model.Persona, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// IDs 返回排序后的角色 id。
func (c *Catalogue) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}
