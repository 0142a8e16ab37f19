// Package presets provides search-macro URL templates and consent-dismissal
// selector loading and management.
package presets

import (
	"embed"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultPresetsFS embed.FS

// queryPlaceholder marks where the escaped query goes in a macro template.
const queryPlaceholder = "{query}"

// Macro is a named search URL template. The template must contain {query}.
type Macro struct {
	Name        string `yaml:"name" json:"name"`
	URLTemplate string `yaml:"url_template" json:"urlTemplate"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Presets contains search macros and consent-dismissal selectors.
type Presets struct {
	SearchMacros     []Macro  `yaml:"search_macros" json:"searchMacros"`
	ConsentSelectors []string `yaml:"consent_selectors" json:"consentSelectors"`
}

var (
	instance *Presets
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Presets instance.
// Values are loaded from the embedded presets.yaml file.
func Get() *Presets {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load presets, using defaults")
			instance = defaultPresets()
		}
	})
	return instance
}

// load reads presets from the embedded YAML file.
func load() (*Presets, error) {
	data, err := defaultPresetsFS.ReadFile("presets.yaml")
	if err != nil {
		return nil, err
	}

	var p Presets
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	log.Debug().
		Int("search_macros", len(p.SearchMacros)).
		Int("consent_selectors", len(p.ConsentSelectors)).
		Msg("Presets loaded")

	return &p, nil
}

// Validate checks that the Presets are usable: every macro needs a name and
// a template carrying the query placeholder, and at least one of the two
// sections must be populated.
func (p *Presets) Validate() error {
	if len(p.SearchMacros) == 0 && len(p.ConsentSelectors) == 0 {
		return fmt.Errorf("presets must have at least one search macro or consent selector")
	}
	for i, m := range p.SearchMacros {
		if m.Name == "" {
			return fmt.Errorf("search macro %d has no name", i)
		}
		if !strings.Contains(m.URLTemplate, queryPlaceholder) {
			return fmt.Errorf("search macro %q template missing %s placeholder", m.Name, queryPlaceholder)
		}
	}
	return nil
}

// Macro returns the named macro, or nil if unknown.
func (p *Presets) Macro(name string) *Macro {
	for i := range p.SearchMacros {
		if p.SearchMacros[i].Name == name {
			return &p.SearchMacros[i]
		}
	}
	return nil
}

// ExpandMacro substitutes the escaped query into the named macro's template.
func (p *Presets) ExpandMacro(name, query string) (string, error) {
	m := p.Macro(name)
	if m == nil {
		return "", fmt.Errorf("unknown search macro: %s", name)
	}
	return strings.ReplaceAll(m.URLTemplate, queryPlaceholder, url.QueryEscape(query)), nil
}

// defaultPresets returns hardcoded fallback values.
func defaultPresets() *Presets {
	return &Presets{
		SearchMacros: []Macro{
			{Name: "google", URLTemplate: "https://www.google.com/search?q={query}"},
			{Name: "bing", URLTemplate: "https://www.bing.com/search?q={query}"},
			{Name: "duckduckgo", URLTemplate: "https://duckduckgo.com/?q={query}"},
			{Name: "wikipedia", URLTemplate: "https://en.wikipedia.org/w/index.php?search={query}"},
		},
		ConsentSelectors: []string{
			"#onetrust-accept-btn-handler",
			`button[aria-label="Accept all"]`,
			`[role="dialog"] button`,
		},
	}
}
