package persona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/headspace/headspace/internal/common/config"
)

const sampleCatalog = `personas:
  - slug: backend-dev
    name: Sam Rivera
    role: backend engineer
    organisation: Headspace Labs
    position: senior
  - slug: reviewer
    name: Alex Chen
    role: code reviewer
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "personas.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	personas, err := LoadCatalog(writeCatalog(t, sampleCatalog))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(personas) != 2 {
		t.Fatalf("expected 2 personas, got %d", len(personas))
	}
	if personas[0].Slug != "backend-dev" || personas[0].Name != "Sam Rivera" {
		t.Errorf("unexpected first persona: %+v", personas[0])
	}
}

func TestLoadCatalogEmptyPath(t *testing.T) {
	personas, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("empty path should not error: %v", err)
	}
	if personas != nil {
		t.Errorf("expected nil catalog, got %v", personas)
	}
}

func TestLoadCatalogRejectsDuplicateSlug(t *testing.T) {
	_, err := LoadCatalog(writeCatalog(t, `personas:
  - slug: dup
    name: A
  - slug: dup
    name: B
`))
	if err == nil {
		t.Fatal("expected duplicate slug error")
	}
}

func TestLoadCatalogRejectsMissingSlug(t *testing.T) {
	_, err := LoadCatalog(writeCatalog(t, `personas:
  - name: No Slug
`))
	if err == nil {
		t.Fatal("expected missing slug error")
	}
}

func TestServicePriming(t *testing.T) {
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "backend-dev.md"), []byte("Prefer small focused commits.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc, err := NewService(config.PersonasConfig{
		CatalogPath: writeCatalog(t, sampleCatalog),
		DataDir:     dataDir,
	}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	got := svc.Priming("backend-dev")
	want := "You are Sam Rivera, backend engineer at Headspace Labs (senior).\n\nPrefer small focused commits."
	if got != want {
		t.Errorf("priming mismatch:\n got %q\nwant %q", got, want)
	}

	// No briefing file: identity line only.
	got = svc.Priming("reviewer")
	if got != "You are Alex Chen, code reviewer." {
		t.Errorf("unexpected priming without briefing: %q", got)
	}

	if svc.Priming("nobody") != "" {
		t.Error("unknown slug should prime to empty")
	}
}

func TestServiceDisabledWithoutCatalog(t *testing.T) {
	svc, err := NewService(config.PersonasConfig{}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.Get("anything") != nil {
		t.Error("empty catalog should have no personas")
	}
	if svc.Priming("anything") != "" {
		t.Error("empty catalog should prime to empty")
	}
}
