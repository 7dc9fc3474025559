package workflow

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeDocx(t *testing.T, path string, documentXML string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?><Types/>`,
		"word/document.xml":   documentXML,
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func readDocxDocument(t *testing.T, path string) string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for _, entry := range r.File {
		if entry.Name != "word/document.xml" {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}
	t.Fatal("word/document.xml not found")
	return ""
}

func TestRenderDocx_TagsAndLoops(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "tmpl.docx")
	out := filepath.Join(dir, "out.docx")
	writeDocx(t, tmpl, `<doc><p>{bank_name}</p>{#photos}<row>{file_name}</row>{/photos}<p>{fmv}</p></doc>`)

	err := RenderDocx(tmpl, out, map[string]interface{}{
		"bank_name": "State Bank of India",
		"fmv":       "4000000",
		"photos": []map[string]string{
			{"file_name": "front.jpg"},
			{"file_name": "hall.jpg"},
		},
	})
	if err != nil {
		t.Fatalf("RenderDocx: %v", err)
	}

	doc := readDocxDocument(t, out)
	for _, want := range []string{
		"<p>State Bank of India</p>",
		"<row>front.jpg</row><row>hall.jpg</row>",
		"<p>4000000</p>",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestRenderDocx_EmptyValueBecomesNA(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "tmpl.docx")
	out := filepath.Join(dir, "out.docx")
	writeDocx(t, tmpl, `<doc>{branch_name}</doc>`)

	if err := RenderDocx(tmpl, out, map[string]interface{}{"branch_name": ""}); err != nil {
		t.Fatal(err)
	}
	if doc := readDocxDocument(t, out); !strings.Contains(doc, "NA") {
		t.Fatalf("empty value not rendered as NA: %s", doc)
	}
}

func TestRenderDocx_ValuesAreXMLEscaped(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "tmpl.docx")
	out := filepath.Join(dir, "out.docx")
	writeDocx(t, tmpl, `<doc>{bank_name}</doc>`)

	if err := RenderDocx(tmpl, out, map[string]interface{}{"bank_name": "A & B <Bank>"}); err != nil {
		t.Fatal(err)
	}
	if doc := readDocxDocument(t, out); !strings.Contains(doc, "A &amp; B &lt;Bank&gt;") {
		t.Fatalf("value not escaped: %s", doc)
	}
}

func TestScanUnresolvedPlaceholders(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "doc.docx")
	writeDocx(t, doc, `<doc>{unknown_tag}{manual_signature}{sign_officer}{another_one}</doc>`)

	count, samples, err := ScanUnresolvedPlaceholders(doc, []string{"manual_", "sign_"})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if len(samples) != 2 || samples[0] != "{unknown_tag}" || samples[1] != "{another_one}" {
		t.Fatalf("samples = %v", samples)
	}
}

func TestScanUnresolvedPlaceholders_SampleCap(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "doc.docx")
	writeDocx(t, doc, `<doc>{a}{b}{c}{d}{e}{f}{g}</doc>`)

	count, samples, err := ScanUnresolvedPlaceholders(doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 7 {
		t.Fatalf("count = %d, want 7", count)
	}
	if len(samples) != 5 {
		t.Fatalf("samples = %d, want capped at 5", len(samples))
	}
}
