package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptSkill is a skill implemented as a prompt template. The user template
// may reference the step's resolved inputs as {{name}} placeholders.
type PromptSkill struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Prompts     SkillPrompts `yaml:"prompts" json:"prompts"`
	Config      SkillConfig  `yaml:"config,omitempty" json:"config,omitempty"`
}

// SkillPrompts holds the system instruction and the user prompt template.
type SkillPrompts struct {
	System       string `yaml:"system,omitempty" json:"system,omitempty"`
	UserTemplate string `yaml:"user_template" json:"user_template"`
}

// SkillConfig holds generation parameters. Zero values defer to the run or
// provider defaults.
type SkillConfig struct {
	Model       string  `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

type catalogFile struct {
	Skills []PromptSkill `yaml:"skills"`
}

// Catalog is an immutable set of prompt skills keyed by id.
type Catalog struct {
	skills map[string]PromptSkill
}

// NewCatalog builds a catalog from skills. Duplicate or empty ids are rejected.
func NewCatalog(skills []PromptSkill) (*Catalog, error) {
	c := &Catalog{skills: make(map[string]PromptSkill, len(skills))}
	for i, s := range skills {
		if s.ID == "" {
			return nil, fmt.Errorf("skill catalog: skills[%d]: id is required", i)
		}
		if strings.TrimSpace(s.Prompts.UserTemplate) == "" {
			return nil, fmt.Errorf("skill catalog: %s: prompts.user_template is required", s.ID)
		}
		if _, dup := c.skills[s.ID]; dup {
			return nil, fmt.Errorf("skill catalog: duplicate skill id %q", s.ID)
		}
		c.skills[s.ID] = s
	}
	return c, nil
}

// LoadCatalog reads every *.yaml and *.yml file under dirs. Missing
// directories are skipped.
func LoadCatalog(dirs []string) (*Catalog, error) {
	var all []PromptSkill
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			var f catalogFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parsing %s: %w", path, err)
			}
			all = append(all, f.Skills...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("skill catalog: walking %s: %w", dir, err)
		}
	}
	return NewCatalog(all)
}

// Get returns the skill with the given id.
func (c *Catalog) Get(id string) (PromptSkill, bool) {
	s, ok := c.skills[id]
	return s, ok
}

// IDs returns all skill ids, sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.skills))
	for id := range c.skills {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of skills.
func (c *Catalog) Len() int { return len(c.skills) }
