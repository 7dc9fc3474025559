package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, root, family, content string) {
	t.Helper()
	dir := filepath.Join(root, family)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveFamilyKey(t *testing.T) {
	if got := ResolveFamilyKey("custom", BankFlags{IsSbi: true}); got != "custom" {
		t.Fatalf("explicit key = %s, want custom", got)
	}
	if got := ResolveFamilyKey("", BankFlags{IsSbi: true}); got != "sbi" {
		t.Fatalf("sbi flags = %s, want sbi", got)
	}
	if got := ResolveFamilyKey("", BankFlags{IsBoi: true}); got != "boi" {
		t.Fatalf("boi flags = %s, want boi", got)
	}
	if got := ResolveFamilyKey("", BankFlags{IsCoop: true}); got != "coop" {
		t.Fatalf("coop flags = %s, want coop", got)
	}
	if got := ResolveFamilyKey("", BankFlags{}); got != "general" {
		t.Fatalf("no flags = %s, want general", got)
	}
}

func TestResolveRecipe_ValidManifest(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "sbi", `{
		"bank_family": "sbi",
		"report_type": "full",
		"slab_rule": "sbi_slab",
		"photo_part": "photos",
		"parts": [
			{"name": "main", "template": "main.docx", "required": true},
			{"name": "annexure", "template": "annexure.docx", "required": false}
		]
	}`)

	recipe, err := ResolveRecipe(root, "sbi")
	if err != nil {
		t.Fatalf("ResolveRecipe: %v", err)
	}
	if recipe.BankFamily != "sbi" || recipe.ReportType != "full" {
		t.Fatalf("recipe header = %+v", recipe)
	}
	if len(recipe.Parts) != 2 || !recipe.Parts[0].Required || recipe.Parts[1].Required {
		t.Fatalf("parts = %+v", recipe.Parts)
	}
	if recipe.TemplateHash == "" {
		t.Fatal("template hash empty")
	}
}

func TestResolveRecipe_MissingManifest(t *testing.T) {
	_, err := ResolveRecipe(t.TempDir(), "ghost")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigurationError", err)
	}
	if cfgErr.FamilyKey != "ghost" {
		t.Fatalf("family = %s, want ghost", cfgErr.FamilyKey)
	}
}

func TestResolveRecipe_InvalidManifest(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "broken", `{"bank_family": "broken", "parts": []}`)

	_, err := ResolveRecipe(root, "broken")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigurationError", err)
	}
}

func TestResolveRecipe_HashTracksManifestBytes(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	manifest := `{"bank_family": "x", "report_type": "full", "parts": [{"name": "main", "template": "m.docx", "required": true}]}`
	writeManifest(t, rootA, "x", manifest)
	writeManifest(t, rootB, "x", manifest+"\n")

	a, err := ResolveRecipe(rootA, "x")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ResolveRecipe(rootB, "x")
	if err != nil {
		t.Fatal(err)
	}
	if a.TemplateHash == b.TemplateHash {
		t.Fatal("hash should change with manifest bytes")
	}
}
