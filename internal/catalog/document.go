package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"loatodo/internal/models"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

//go:embed catalog.schema.json
var schemaSource string

const schemaURL = "loatodo://catalog.schema.json"

// Document is the YAML form of the global task catalog.
type Document struct {
	Version int `yaml:"version"`
	Reset   struct {
		Daily  AnchorDoc `yaml:"daily"`
		Weekly AnchorDoc `yaml:"weekly"`
	} `yaml:"reset"`
	Tasks []TaskDoc `yaml:"tasks"`
}

// AnchorDoc is a reset anchor as written in the catalog.
type AnchorDoc struct {
	Weekday string `yaml:"weekday"`
	Hour    int    `yaml:"hour"`
	Minute  int    `yaml:"minute"`
}

// TaskDoc is one catalog entry.
type TaskDoc struct {
	ID              string     `yaml:"id"`
	Name            string     `yaml:"name"`
	Kind            string     `yaml:"kind"`
	Scope           string     `yaml:"scope"`
	Frequency       string     `yaml:"frequency"`
	Category        string     `yaml:"category"`
	Gates           int        `yaml:"gates"`
	Rewards         []int64    `yaml:"rewards"`
	DefaultEnabled  *bool      `yaml:"default_enabled"`
	VisibleWeekdays []string   `yaml:"visible_weekdays"`
	Reset           *AnchorDoc `yaml:"reset"`
}

// Defaults holds the reset anchors applied to entries without their own.
type Defaults struct {
	Daily  models.ResetAnchor
	Weekly models.ResetAnchor
}

// AnchorFor returns the default anchor for freq.
func (d Defaults) AnchorFor(freq models.Frequency) models.ResetAnchor {
	if freq == models.FrequencyWeekly {
		return d.Weekly
	}
	return d.Daily
}

// LoadFile reads and validates a catalog document from disk.
func LoadFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// Default returns the catalog bundled with the binary.
func Default() (*Document, error) {
	return Parse(defaultCatalog)
}

// Parse validates raw against the catalog schema and decodes it.
func Parse(raw []byte) (*Document, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog.yaml: %w", err)
	}
	if _, _, err := doc.Definitions(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func validateSchema(raw []byte) error {
	schema, err := jsonschema.CompileString(schemaURL, schemaSource)
	if err != nil {
		return fmt.Errorf("compile catalog schema: %w", err)
	}

	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("catalog.yaml: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON number and map types.
	encoded, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("catalog.yaml: %w", err)
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return fmt.Errorf("catalog.yaml: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("catalog.yaml does not match schema: %w", err)
	}
	return nil
}

// Definitions converts the document into task definitions in file order.
func (d *Document) Definitions() ([]models.TaskDefinition, Defaults, error) {
	defaults, err := d.defaults()
	if err != nil {
		return nil, Defaults{}, err
	}

	seen := make(map[string]struct{}, len(d.Tasks))
	defs := make([]models.TaskDefinition, 0, len(d.Tasks))
	for i, t := range d.Tasks {
		if _, dup := seen[t.ID]; dup {
			return nil, Defaults{}, fmt.Errorf("catalog: duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}

		def, err := t.definition(defaults)
		if err != nil {
			return nil, Defaults{}, fmt.Errorf("catalog: task %q: %w", t.ID, err)
		}
		def.Position = i
		defs = append(defs, def)
	}
	return defs, defaults, nil
}

func (d *Document) defaults() (Defaults, error) {
	daily, err := d.Reset.Daily.anchor()
	if err != nil {
		return Defaults{}, fmt.Errorf("catalog: daily reset: %w", err)
	}
	weekly, err := d.Reset.Weekly.anchor()
	if err != nil {
		return Defaults{}, fmt.Errorf("catalog: weekly reset: %w", err)
	}
	return Defaults{Daily: daily, Weekly: weekly}, nil
}

func (a AnchorDoc) anchor() (models.ResetAnchor, error) {
	anchor := models.ResetAnchor{Hour: a.Hour, Minute: a.Minute}
	if a.Weekday != "" {
		day, err := models.ParseWeekday(a.Weekday)
		if err != nil {
			return models.ResetAnchor{}, err
		}
		anchor.Weekday = day
	}
	return anchor, nil
}

func (t TaskDoc) definition(defaults Defaults) (models.TaskDefinition, error) {
	def := models.TaskDefinition{
		ID:             t.ID,
		Name:           t.Name,
		Kind:           models.Kind(t.Kind),
		Scope:          models.Scope(t.Scope),
		Frequency:      models.Frequency(t.Frequency),
		Category:       t.Category,
		GateCount:      t.Gates,
		RewardTable:    t.Rewards,
		DefaultEnabled: true,
	}
	if def.Kind == "" {
		def.Kind = models.KindContent
	}
	if def.Scope == "" {
		def.Scope = models.ScopePerCharacter
	}
	if def.GateCount == 0 {
		def.GateCount = 1
	}
	if def.Category == "" {
		def.Category = def.ID
	}
	if t.DefaultEnabled != nil {
		def.DefaultEnabled = *t.DefaultEnabled
	}
	if len(def.RewardTable) > def.GateCount {
		return models.TaskDefinition{}, fmt.Errorf("%d rewards for %d gates", len(def.RewardTable), def.GateCount)
	}

	def.ResetAnchor = defaults.AnchorFor(def.Frequency)
	if t.Reset != nil {
		anchor, err := t.Reset.anchor()
		if err != nil {
			return models.TaskDefinition{}, err
		}
		def.ResetAnchor = anchor
	}

	def.VisibleWeekdays = models.AllWeekdays
	if len(t.VisibleWeekdays) > 0 {
		days := make([]time.Weekday, 0, len(t.VisibleWeekdays))
		for _, name := range t.VisibleWeekdays {
			day, err := models.ParseWeekday(name)
			if err != nil {
				return models.TaskDefinition{}, err
			}
			days = append(days, day)
		}
		def.VisibleWeekdays = models.NewWeekdaySet(days...)
	}
	if def.Kind == models.KindRaid && def.Scope != models.ScopePerCharacter {
		return models.TaskDefinition{}, fmt.Errorf("raids must be %s", models.ScopePerCharacter)
	}
	if strings.TrimSpace(def.Name) == "" {
		return models.TaskDefinition{}, fmt.Errorf("name is required")
	}
	return def, nil
}
