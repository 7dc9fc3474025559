package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"bitbucket.org/mmdatafocus/valuation_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const documentGeneratorTag = "valuation-engine/v2"

// artifactMetadata is serialized into the artifact row's metadata column.
type artifactMetadata struct {
	Generator    string         `json:"generator"`
	ExportHash   string         `json:"export_hash,omitempty"`
	TemplateHash string         `json:"template_hash,omitempty"`
	Factory      *FactoryBridge `json:"factory,omitempty"`
}

// buildTemplateData flattens the render context into the tag map the document
// merge consumes. Every field row is exposed under its stored key; the
// computed valuation figures get fixed well-known tags.
func buildTemplateData(rc *RenderContext) map[string]interface{} {
	data := make(map[string]interface{}, len(rc.Fields)+16)
	for k, v := range rc.Fields {
		data[k] = v
	}

	data["assignment_id"] = strconv.Itoa(rc.AssignmentId)
	data["template_key"] = rc.TemplateKey
	data["bank_name"] = rc.BankName
	data["branch_name"] = rc.BranchName
	data["report_family"] = rc.ReportFamily

	data["fmv"] = rc.Valuation.Fmv
	data["realizable_value"] = rc.Valuation.RealizableValue
	data["distress_value"] = rc.Valuation.DistressValue
	data["depreciation_pct"] = rc.Valuation.DepreciationPct.Round(2)

	data["photos"] = evidenceLoopRows(rc.Photos)
	data["annexures"] = evidenceLoopRows(rc.Annexures)
	return data
}

func evidenceLoopRows(items []EvidenceItem) []map[string]string {
	rows := make([]map[string]string, 0, len(items))
	for i, item := range items {
		rows = append(rows, map[string]string{
			"index":        strconv.Itoa(i + 1),
			"file_name":    item.FileName,
			"category":     item.Category,
			"section_key":  item.SectionKey,
			"storage_path": item.StoragePath,
		})
	}
	return rows
}

// partOutputPath is deterministic for a (pack, part, job) triple so a retried
// job overwrites its own partial file instead of piling up orphans.
func partOutputPath(artifactRoot string, pack *models.ReportPack, jobId int, partName string) string {
	fileName := fmt.Sprintf("%s-v%d-%d.docx", partName, pack.Version, jobId)
	return filepath.Join(artifactRoot, strconv.Itoa(pack.AssignmentId), pack.TemplateKey, fileName)
}

// renderPart merges one template part to disk. The caller decides whether a
// failure is fatal based on part.Required.
func renderPart(rc *RenderContext, part RecipePart, templateRoot string, outPath string) *RenderError {
	templatePath := filepath.Join(templateRoot, rc.TemplateKey, part.TemplateRef)
	if _, err := os.Stat(templatePath); err != nil {
		return &RenderError{PartName: part.Name, TemplateRef: part.TemplateRef, Missing: os.IsNotExist(err), Err: err}
	}
	if err := RenderDocx(templatePath, outPath, buildTemplateData(rc)); err != nil {
		return &RenderError{PartName: part.Name, TemplateRef: part.TemplateRef, Err: err}
	}
	return nil
}

// runRenderStage renders one part and records its artifact row. The returned
// error is a *RenderError on merge failure; DB errors pass through unchanged.
func runRenderStage(tx *gorm.DB, logger *logrus.Logger, rc *RenderContext, pack *models.ReportPack, job *models.GenerationJob, part RecipePart) (*models.ReportPackArtifact, error) {
	outPath := partOutputPath(config.ArtifactRoot(), pack, job.ID, part.Name)
	if renderErr := renderPart(rc, part, config.TemplateRoot(), outPath); renderErr != nil {
		return nil, renderErr
	}

	count, samples, err := ScanUnresolvedPlaceholders(outPath, config.PlaceholderAllowPrefixes())
	if err != nil {
		config.LogError(logger, "renderStage", "runRenderStage", "placeholder scan", outPath, err)
	} else if count > 0 {
		config.LogWarn(logger, "renderStage", "runRenderStage", "unresolved placeholders",
			map[string]interface{}{
				"part":    part.Name,
				"count":   count,
				"samples": samples,
			}, "rendered document has unresolved placeholders")
	}

	size, checksum, err := fileSizeAndChecksum(outPath)
	if err != nil {
		return nil, &RenderError{PartName: part.Name, TemplateRef: part.TemplateRef, Err: err}
	}

	metadata, _ := json.Marshal(artifactMetadata{
		Generator:    documentGeneratorTag,
		ExportHash:   rc.Meta.ExportHash,
		TemplateHash: rc.Meta.TemplateHash,
		Factory:      rc.Meta.Factory,
	})

	artifact := &models.ReportPackArtifact{
		BusinessId:   pack.BusinessId,
		ReportPackId: pack.ID,
		Kind:         models.ArtifactKindPrimaryDocument,
		PartName:     part.Name,
		FileName:     filepath.Base(outPath),
		StoragePath:  outPath,
		Size:         size,
		Checksum:     &checksum,
		Metadata:     string(metadata),
	}
	if err := tx.Create(artifact).Error; err != nil {
		return nil, err
	}
	return artifact, nil
}

func fileSizeAndChecksum(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
