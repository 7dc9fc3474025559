package workflow

import (
	"path/filepath"
	"testing"

	"bitbucket.org/mmdatafocus/valuation_backend/models"
)

func TestBuildTemplateData(t *testing.T) {
	rc := BuildRenderContext(RenderInput{
		AssignmentId: 7,
		TemplateKey:  "sbi",
		BankName:     "State Bank of India",
		Fields: []FieldRow{
			{FieldKey: "land_value", Value: "2500000"},
			{FieldKey: "building_value", Value: "1500000"},
			{FieldKey: "owner_name", Value: "U Ba"},
		},
		Evidence: []EvidenceRow{
			{Category: "exterior", FileName: "front.jpg", ContentType: "image/jpeg"},
			{Category: "other_screenshots", FileName: "deed.pdf", ContentType: "application/pdf"},
		},
	})

	data := buildTemplateData(rc)
	if data["owner_name"] != "U Ba" {
		t.Fatalf("field passthrough missing: %v", data["owner_name"])
	}
	if data["assignment_id"] != "7" || data["bank_name"] != "State Bank of India" {
		t.Fatalf("identity tags wrong: %v %v", data["assignment_id"], data["bank_name"])
	}
	if formatTemplateValue(data["fmv"]) != "4000000" {
		t.Fatalf("fmv tag = %v", data["fmv"])
	}

	photos, ok := data["photos"].([]map[string]string)
	if !ok || len(photos) != 1 || photos[0]["file_name"] != "front.jpg" || photos[0]["index"] != "1" {
		t.Fatalf("photos loop rows = %v", data["photos"])
	}
	annexures, ok := data["annexures"].([]map[string]string)
	if !ok || len(annexures) != 1 || annexures[0]["file_name"] != "deed.pdf" {
		t.Fatalf("annexures loop rows = %v", data["annexures"])
	}
}

func TestPartOutputPath_Deterministic(t *testing.T) {
	pack := &models.ReportPack{AssignmentId: 12, TemplateKey: "sbi", Version: 3}
	a := partOutputPath("/artifacts", pack, 55, "main")
	b := partOutputPath("/artifacts", pack, 55, "main")
	if a != b {
		t.Fatalf("paths differ: %s vs %s", a, b)
	}
	want := filepath.Join("/artifacts", "12", "sbi", "main-v3-55.docx")
	if a != want {
		t.Fatalf("path = %s, want %s", a, want)
	}
}

func TestRenderPart_MissingTemplate(t *testing.T) {
	rc := BuildRenderContext(RenderInput{AssignmentId: 1, TemplateKey: "sbi"})
	part := RecipePart{Name: "main", TemplateRef: "main.docx", Required: true}

	renderErr := renderPart(rc, part, t.TempDir(), filepath.Join(t.TempDir(), "out.docx"))
	if renderErr == nil {
		t.Fatal("expected error for missing template")
	}
	if !renderErr.Missing {
		t.Fatalf("err = %+v, want Missing=true", renderErr)
	}
	if renderErr.PartName != "main" {
		t.Fatalf("part = %s, want main", renderErr.PartName)
	}
}

func TestRenderPart_CorruptTemplate(t *testing.T) {
	rc := BuildRenderContext(RenderInput{AssignmentId: 1, TemplateKey: "sbi"})
	part := RecipePart{Name: "main", TemplateRef: "main.docx", Required: true}

	root := t.TempDir()
	writeManifest(t, root, "sbi", "ignored")
	badTemplate := filepath.Join(root, "sbi", "main.docx")
	if err := writeNonZip(badTemplate); err != nil {
		t.Fatal(err)
	}

	renderErr := renderPart(rc, part, root, filepath.Join(t.TempDir(), "out.docx"))
	if renderErr == nil {
		t.Fatal("expected error for corrupt template")
	}
	if renderErr.Missing {
		t.Fatalf("err = %+v, want Missing=false", renderErr)
	}
}
