// Package catalog holds the business defaults the workflows fall back to:
// the project phase plan, kickoff tasks, contract terms, the new-hire
// equipment bundle and onboarding templates, and notification texts.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/bizflow/internal/entity"
	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/pkg/schema"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultTemplate is the onboarding template used when no department matches.
const DefaultTemplate = "default"

// Catalog is the decoded business catalog.
type Catalog struct {
	Project    ProjectDefaults    `yaml:"project"`
	Contract   ContractDefaults   `yaml:"contract"`
	Employee   EmployeeDefaults   `yaml:"employee"`
	Onboarding OnboardingDefaults `yaml:"onboarding"`
	Messages   map[string]Message `yaml:"messages"`
}

type ProjectDefaults struct {
	CodePrefix   string             `yaml:"code_prefix"`
	Phases       []entity.PhaseSpec `yaml:"phases"`
	KickoffTasks []TaskSpec         `yaml:"kickoff_tasks"`
}

// TaskSpec describes a task created relative to the run start.
type TaskSpec struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Priority    string `yaml:"priority"`
	DueInDays   int    `yaml:"due_in_days"`
}

type ContractDefaults struct {
	CodePrefix       string `yaml:"code_prefix"`
	DefaultMonths    int    `yaml:"default_months"`
	SignatureDueDays int    `yaml:"signature_due_days"`
}

type EmployeeDefaults struct {
	CodePrefix          string                 `yaml:"code_prefix"`
	StartOffsetDays     int                    `yaml:"start_offset_days"`
	OrientationDuration time.Duration          `yaml:"orientation_duration"`
	SystemAccess        map[string]bool        `yaml:"system_access"`
	Equipment           []entity.EquipmentItem `yaml:"equipment"`
	EquipmentRules      []EquipmentRule        `yaml:"equipment_rules"`
}

// EquipmentRule adds items to the standard bundle when its CEL condition
// holds. The condition sees position and department (lower-cased) and the
// candidate document.
type EquipmentRule struct {
	Name string                 `yaml:"name"`
	When string                 `yaml:"when"`
	Add  []entity.EquipmentItem `yaml:"add"`
}

type OnboardingDefaults struct {
	Templates map[string][]entity.ChecklistItemSpec `yaml:"templates"`
}

// Message is a notification text with ${{path}} placeholders.
type Message struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

// Load returns the built-in catalog.
func Load() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile overlays the YAML file at path on top of the built-in catalog.
// Keys absent from the file keep their defaults; lists are replaced whole.
func LoadFile(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Load()
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return c, nil
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a complete catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("catalog: payload is empty")
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the invariants the workflows rely on.
func (c *Catalog) Validate() error {
	if err := ValidatePhases(c.Project.Phases); err != nil {
		return err
	}
	for _, t := range c.Project.KickoffTasks {
		if t.Title == "" {
			return schema.NewError(schema.ErrCodeValidation, "kickoff task without title")
		}
		if t.DueInDays < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "kickoff task %q has negative due offset", t.Title)
		}
	}
	if c.Contract.DefaultMonths <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "contract.default_months must be positive")
	}
	if c.Employee.StartOffsetDays < 0 {
		return schema.NewError(schema.ErrCodeValidation, "employee.start_offset_days must not be negative")
	}
	for _, r := range c.Employee.EquipmentRules {
		if r.When == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "equipment rule %q has no condition", r.Name)
		}
	}
	if _, ok := c.Onboarding.Templates[DefaultTemplate]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "onboarding template %q is required", DefaultTemplate)
	}
	return nil
}

// ValidatePhases checks that a phase plan is non-empty, has positive
// durations and weights summing to 100.
func ValidatePhases(phases []entity.PhaseSpec) error {
	if len(phases) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "phase plan is empty")
	}
	sum := 0
	for _, p := range phases {
		if p.Name == "" {
			return schema.NewError(schema.ErrCodeValidation, "phase without name")
		}
		if p.DurationDays <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "phase %q must last at least one day", p.Name)
		}
		sum += p.Weight
	}
	if sum != 100 {
		return schema.NewErrorf(schema.ErrCodeValidation, "phase weights sum to %d, expected 100", sum).
			WithDetails(map[string]any{"sum": sum})
	}
	return nil
}

// OnboardingItems returns the checklist template for department, falling
// back to the default template.
func (c *Catalog) OnboardingItems(department string) (string, []entity.ChecklistItemSpec) {
	key := strings.ToLower(strings.TrimSpace(department))
	if items, ok := c.Onboarding.Templates[key]; ok && key != "" {
		return key, items
	}
	return DefaultTemplate, c.Onboarding.Templates[DefaultTemplate]
}

// Render fills the message named key with data. Unknown keys yield a
// generic message built from the key itself.
func (c *Catalog) Render(key string, data map[string]any) (title, body string, err error) {
	msg, ok := c.Messages[key]
	if !ok {
		return key, key, nil
	}
	if title, err = expressions.RenderTemplate(msg.Title, data); err != nil {
		return "", "", fmt.Errorf("render %s title: %w", key, err)
	}
	if body, err = expressions.RenderTemplate(msg.Body, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", key, err)
	}
	return title, body, nil
}
