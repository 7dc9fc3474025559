package workflow

import (
	"archive/zip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"bitbucket.org/mmdatafocus/valuation_backend/models"
)

func TestArchiveOutputPath_KeyedOnExportHash(t *testing.T) {
	pack := &models.ReportPack{AssignmentId: 12, TemplateKey: "sbi", Version: 3}
	rcA := &RenderContext{Meta: RenderMeta{ExportHash: "aaaaaaaabbbbbbbb"}}
	rcB := &RenderContext{Meta: RenderMeta{ExportHash: "ccccccccdddddddd"}}

	a := archiveOutputPath("/artifacts", rcA, pack, 55)
	b := archiveOutputPath("/artifacts", rcB, pack, 55)
	if a == b {
		t.Fatalf("archives collide across export hashes: %s", a)
	}
	if filepath.Base(a) != "pack-aaaaaaaa-v3-55.zip" {
		t.Fatalf("archive name = %s", filepath.Base(a))
	}

	rcNone := &RenderContext{}
	if got := filepath.Base(archiveOutputPath("/artifacts", rcNone, pack, 55)); got != "pack-nohash-v3-55.zip" {
		t.Fatalf("hashless archive name = %s", got)
	}
}

func TestArchiveContentsAndManifest(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "main-v1-1.docx")
	if err := os.WriteFile(docPath, []byte("document bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	size, checksum, err := fileSizeAndChecksum(docPath)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len("document bytes")) || checksum == "" {
		t.Fatalf("size=%d checksum=%q", size, checksum)
	}

	// Build the archive the way assemblePack does: entries first, then the
	// manifest sidecar.
	archivePath := filepath.Join(dir, "pack.zip")
	out, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	if err := addFileToArchive(zw, docPath, "main-v1-1.docx"); err != nil {
		t.Fatal(err)
	}
	manifest := packManifest{
		ExportHash:   "eh",
		TemplateHash: "th",
		Version:      1,
		Generator:    documentGeneratorTag,
		Entries: []packManifestEntry{
			{FileName: "main-v1-1.docx", Kind: "PrimaryDocument", Checksum: checksum, Size: size},
		},
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	mw, err := zw.Create("manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mw.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got := map[string][]byte{}
	for _, entry := range r.File {
		rc, err := entry.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		got[entry.Name] = b
	}

	if string(got["main-v1-1.docx"]) != "document bytes" {
		t.Fatalf("document entry = %q", got["main-v1-1.docx"])
	}
	var decoded packManifest
	if err := json.Unmarshal(got["manifest.json"], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Generator != documentGeneratorTag || len(decoded.Entries) != 1 {
		t.Fatalf("manifest = %+v", decoded)
	}
	if decoded.Entries[0].Checksum != checksum || decoded.Entries[0].Size != size {
		t.Fatalf("manifest entry = %+v", decoded.Entries[0])
	}
}
