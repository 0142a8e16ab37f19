package presets

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewManager_EmbeddedOnly(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	p := m.Get()
	if p == nil {
		t.Fatal("Get() returned nil")
	}

	if len(p.SearchMacros) == 0 {
		t.Error("Expected search macros from embedded presets")
	}
	if len(p.ConsentSelectors) == 0 {
		t.Error("Expected consent selectors from embedded presets")
	}
	if p.Macro("google") == nil {
		t.Error("Expected embedded google macro")
	}
}

func TestNewManager_ExternalFile(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "presets.yaml")

	content := `
search_macros:
  - name: custom
    url_template: "https://search.example.com/?q={query}"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	p := m.Get()
	if len(p.SearchMacros) != 1 || p.SearchMacros[0].Name != "custom" {
		t.Errorf("Expected single custom macro, got %v", p.SearchMacros)
	}

	// Embedded fields should fill in missing ones
	if len(p.ConsentSelectors) == 0 {
		t.Error("Expected embedded consent selectors to be used")
	}
}

func TestExpandMacro(t *testing.T) {
	p := &Presets{
		SearchMacros: []Macro{
			{Name: "g", URLTemplate: "https://g.example/?q={query}"},
		},
	}

	got, err := p.ExpandMacro("g", "hello world")
	if err != nil {
		t.Fatalf("ExpandMacro() error = %v", err)
	}
	if got != "https://g.example/?q=hello+world" {
		t.Errorf("ExpandMacro() = %q", got)
	}

	if _, err := p.ExpandMacro("missing", "x"); err == nil {
		t.Error("Expected error for unknown macro")
	}
}

func TestManager_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "presets.yaml")

	content := `
search_macros:
  - name: initial
    url_template: "https://a.example/?q={query}"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Get().SearchMacros[0].Name != "initial" {
		t.Errorf("Expected 'initial', got %s", m.Get().SearchMacros[0].Name)
	}

	newContent := `
search_macros:
  - name: updated
    url_template: "https://b.example/?q={query}"
  - name: second
    url_template: "https://c.example/?q={query}"
`
	if err := os.WriteFile(tmpFile, []byte(newContent), 0644); err != nil {
		t.Fatalf("Failed to update temp file: %v", err)
	}

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	p := m.Get()
	if len(p.SearchMacros) != 2 || p.SearchMacros[0].Name != "updated" {
		t.Errorf("Expected updated macros, got %v", p.SearchMacros)
	}

	// Check stats - initial load + manual reload = 2
	stats := m.Stats()
	if stats.ReloadCount != 2 {
		t.Errorf("Expected ReloadCount = 2, got %d", stats.ReloadCount)
	}
	if stats.LastError != nil {
		t.Errorf("Expected no error, got %v", stats.LastError)
	}
}

func TestManager_Reload_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "presets.yaml")

	validContent := `
search_macros:
  - name: valid
    url_template: "https://a.example/?q={query}"
`
	if err := os.WriteFile(tmpFile, []byte(validContent), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	invalidContent := `
search_macros:
  - not valid yaml {{{
    incomplete:
`
	if err := os.WriteFile(tmpFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to update temp file: %v", err)
	}

	if err := m.Reload(); err == nil {
		t.Error("Expected Reload() to fail with invalid YAML")
	}

	// Original presets should still be in use (graceful degradation)
	if m.Get().SearchMacros[0].Name != "valid" {
		t.Errorf("Expected original macro to be preserved, got %s", m.Get().SearchMacros[0].Name)
	}

	stats := m.Stats()
	if stats.LastError == nil {
		t.Error("Expected LastError to be set")
	}
}

func TestManager_Reload_MissingPlaceholder(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "presets.yaml")

	content := `
search_macros:
  - name: broken
    url_template: "https://a.example/search"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	// Load failed at construction, embedded defaults remain
	if m.Get().Macro("google") == nil {
		t.Error("Expected embedded defaults after rejected external file")
	}
}

func TestManager_Reload_NoExternalPath(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if err := m.Reload(); err == nil {
		t.Error("Expected Reload() to fail when no external path is configured")
	}
}

func TestManager_HotReload(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping hot-reload test in short mode")
	}

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "presets.yaml")

	content := `
search_macros:
  - name: before
    url_template: "https://a.example/?q={query}"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, true)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Get().SearchMacros[0].Name != "before" {
		t.Errorf("Expected 'before', got %s", m.Get().SearchMacros[0].Name)
	}

	newContent := `
search_macros:
  - name: after
    url_template: "https://b.example/?q={query}"
`
	if err := os.WriteFile(tmpFile, []byte(newContent), 0644); err != nil {
		t.Fatalf("Failed to update temp file: %v", err)
	}

	// Wait for hot-reload (debounce delay + some buffer)
	time.Sleep(300 * time.Millisecond)

	if m.Get().SearchMacros[0].Name != "after" {
		t.Errorf("Expected 'after' after hot-reload, got %s", m.Get().SearchMacros[0].Name)
	}
}

func TestPresets_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       *Presets
		wantErr bool
	}{
		{
			name: "valid macros and selectors",
			p: &Presets{
				SearchMacros:     []Macro{{Name: "g", URLTemplate: "https://g/?q={query}"}},
				ConsentSelectors: []string{"#accept"},
			},
			wantErr: false,
		},
		{
			name:    "valid with only selectors",
			p:       &Presets{ConsentSelectors: []string{"#accept"}},
			wantErr: false,
		},
		{
			name:    "invalid - empty",
			p:       &Presets{},
			wantErr: true,
		},
		{
			name:    "invalid - macro without name",
			p:       &Presets{SearchMacros: []Macro{{URLTemplate: "https://g/?q={query}"}}},
			wantErr: true,
		},
		{
			name:    "invalid - macro without placeholder",
			p:       &Presets{SearchMacros: []Macro{{Name: "g", URLTemplate: "https://g/search"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_MergeWithEmbedded(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	external := &Presets{
		SearchMacros: []Macro{{Name: "custom", URLTemplate: "https://c/?q={query}"}},
	}

	merged := m.mergeWithEmbedded(external)

	if len(merged.SearchMacros) != 1 || merged.SearchMacros[0].Name != "custom" {
		t.Errorf("Expected custom macros, got %v", merged.SearchMacros)
	}
	if len(merged.ConsentSelectors) == 0 {
		t.Error("Expected embedded consent selectors to be used")
	}
}

func TestManager_Close(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "presets.yaml")

	content := `consent_selectors: ["#accept"]`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, true)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	// Double close should be safe
	if err := m.Close(); err != nil {
		t.Logf("Double Close() returned: %v (expected)", err)
	}
}
