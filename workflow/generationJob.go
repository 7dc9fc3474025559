package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"bitbucket.org/mmdatafocus/valuation_backend/models"
	"bitbucket.org/mmdatafocus/valuation_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GenerationHandlerName keys the durable idempotency rows written for the
// generation consumer.
const GenerationHandlerName = "GenerateReportPack"

const packVersionRetryLimit = 3

// jobSummary is what the success history entry and the completion event are
// built from.
type jobSummary struct {
	PackId         int              `json:"pack_id"`
	Version        int              `json:"version"`
	FamilyKey      string           `json:"family_key"`
	DurationMs     int64            `json:"duration_ms"`
	PartsRendered  int              `json:"parts_rendered"`
	PartsSkipped   int              `json:"parts_skipped"`
	PartsDegraded  int              `json:"parts_degraded"`
	Conversion     ConversionStatus `json:"conversion,omitempty"`
	Image          ImageStageResult `json:"image"`
	ExportHash     string           `json:"export_hash,omitempty"`
	TemplateHash   string           `json:"template_hash"`
	ArchiveRebuilt bool             `json:"archive_rebuilt"`
}

// RunGenerationJob executes one generation job message end to end. The whole
// job runs in a single transaction; on failure a second, separate transaction
// records the failure so the audit trail survives the rollback. The original
// processing error is always the one returned.
func RunGenerationJob(ctx context.Context, db *gorm.DB, logger *logrus.Logger, msg config.GenerationJobMessage) error {
	ctx = utils.SetBusinessIdInContext(ctx, msg.BusinessId)
	if msg.RequestId != "" {
		ctx = utils.SetRequestIdInContext(ctx, msg.RequestId)
	}

	var completed *models.ReportPack
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pack, err := processGenerationJob(ctx, tx, logger, msg)
		completed = pack
		return err
	})
	if err != nil {
		recordGenerationFailure(ctx, db, logger, msg, err)
		return err
	}

	if completed != nil {
		if pubErr := config.PublishPackGeneratedEvent(config.PackGeneratedEvent{
			ReportPackId: completed.ID,
			Version:      completed.Version,
			BusinessId:   completed.BusinessId,
			TemplateKey:  completed.TemplateKey,
		}); pubErr != nil {
			config.LogWarn(logger, "generationJob", "RunGenerationJob", "completion event",
				map[string]interface{}{"pack_id": completed.ID}, "completion publish failed: "+pubErr.Error())
		}
	}
	return nil
}

// processGenerationJob is the transactional body. Returns the generated pack
// on success, nil pack with nil error on an idempotent short-circuit.
func processGenerationJob(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, msg config.GenerationJobMessage) (*models.ReportPack, error) {
	startedAt := time.Now()
	job, err := models.GetGenerationJobById(tx, msg.BusinessId, msg.GenerationJobId)
	if err != nil {
		return nil, fmt.Errorf("load generation job %d: %w", msg.GenerationJobId, err)
	}

	// Duplicate delivery of an already-completed job: verify the linked pack
	// still exists and stop without a single write.
	if jobAlreadyComplete(job) {
		if _, err := models.GetReportPackById(tx, job.BusinessId, *job.ReportPackId); err == nil {
			config.LogWarn(logger, "generationJob", "processGenerationJob", "duplicate delivery",
				map[string]interface{}{"generation_job_id": job.ID, "pack_id": *job.ReportPackId},
				"job already completed, skipping")
			return nil, nil
		}
	}

	if err := job.MarkProcessing(tx); err != nil {
		return nil, err
	}

	business, err := models.GetBusinessById2(tx, job.BusinessId)
	if err != nil {
		return nil, fmt.Errorf("load business %s: %w", job.BusinessId, err)
	}
	assignment, err := models.GetAssignmentById(tx, job.BusinessId, job.AssignmentId)
	if err != nil {
		return nil, fmt.Errorf("load assignment %d: %w", job.AssignmentId, err)
	}
	fieldRows, err := models.GetAssignmentFieldValues(tx, job.BusinessId, job.AssignmentId)
	if err != nil {
		return nil, err
	}
	evidenceRows, err := models.GetAssignmentEvidenceLinks(tx, job.BusinessId, job.AssignmentId)
	if err != nil {
		return nil, err
	}

	flags := DetectBankFlags(assignment.BankName)
	familyKey := ResolveFamilyKey(job.TemplateKey, flags)
	recipe, err := ResolveRecipe(config.TemplateRoot(), familyKey)
	if err != nil {
		return nil, err
	}

	rc := buildJobRenderContext(job, assignment, recipe, fieldRows, evidenceRows)

	pack, err := resolveOrCreatePack(tx, job, rc)
	if err != nil {
		return nil, err
	}

	summary := jobSummary{
		PackId:       pack.ID,
		Version:      pack.Version,
		FamilyKey:    familyKey,
		ExportHash:   rc.Meta.ExportHash,
		TemplateHash: recipe.TemplateHash,
	}

	rendered, skipped, degraded, err := renderRecipeParts(recipe,
		func(part RecipePart) (bool, error) {
			return models.ArtifactExists(tx, pack.ID, models.ArtifactKindPrimaryDocument, part.Name)
		},
		func(part RecipePart) error {
			_, err := runRenderStage(tx, logger, rc, pack, job, part)
			return err
		},
		func(part RecipePart, renderErr error) {
			config.LogWarn(logger, "generationJob", "processGenerationJob", "optional part",
				map[string]interface{}{"part": part.Name}, "optional part skipped: "+renderErr.Error())
		})
	if err != nil {
		return nil, err
	}
	summary.PartsRendered, summary.PartsSkipped, summary.PartsDegraded = rendered, skipped, degraded

	if business.EnablePhotoIntelligence && recipe.PhotoPart != "" && len(rc.Photos) > 0 {
		photoDoc, err := models.GetPackArtifact(tx, pack.ID, models.ArtifactKindPrimaryDocument, recipe.PhotoPart)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
			// The photo part degraded or was skipped; nothing to embed into.
			config.LogWarn(logger, "generationJob", "processGenerationJob", "image stage",
				map[string]interface{}{"photo_part": recipe.PhotoPart}, "photo part artifact missing, skipping image stage")
		} else {
			summary.Image = runImageStage(ctx, logger, job.ID, photoDoc.StoragePath, rc.Photos, nil)
			if summary.Image.EmbedRan {
				size, checksum, err := fileSizeAndChecksum(photoDoc.StoragePath)
				if err != nil {
					return nil, err
				}
				if err := photoDoc.RefreshFileInfo(tx, size, checksum); err != nil {
					return nil, err
				}
			}
		}
	}

	if business.EnablePdfConversion {
		status, err := convertPrimaryDocuments(ctx, tx, logger, rc, pack)
		if err != nil {
			return nil, err
		}
		summary.Conversion = status
	}

	archiveExists, err := models.ArtifactExists(tx, pack.ID, models.ArtifactKindArchive, "archive")
	if err != nil {
		return nil, err
	}
	if !archiveExists {
		if _, err := assemblePack(ctx, tx, logger, rc, pack, job); err != nil {
			return nil, err
		}
		summary.ArchiveRebuilt = true
	}

	if err := pack.MarkGenerated(tx); err != nil {
		return nil, err
	}
	if err := job.MarkCompleted(tx, pack.ID); err != nil {
		return nil, err
	}
	summary.DurationMs = time.Since(startedAt).Milliseconds()
	if err := models.CreateHistory(tx, models.HistoryActionPackGenerated, pack.ID, "ReportPack",
		fmt.Sprintf("Generated report pack v%d for assignment %d", pack.Version, job.AssignmentId), summary); err != nil {
		return nil, err
	}
	return pack, nil
}

// jobAlreadyComplete reports whether the job row alone proves this delivery is
// a duplicate of a finished run. The caller still verifies the linked pack
// before short-circuiting; a vanished pack regenerates.
func jobAlreadyComplete(job *models.GenerationJob) bool {
	return job.Status == models.GenerationJobStatusCompleted && job.ReportPackId != nil
}

// renderRecipeParts walks the recipe in order, skipping parts whose artifact
// row already exists from an earlier attempt. A render failure on an optional
// part degrades the pack; any other failure fails the job.
func renderRecipeParts(recipe *Recipe,
	artifactExists func(part RecipePart) (bool, error),
	render func(part RecipePart) error,
	onDegrade func(part RecipePart, err error)) (rendered, skipped, degraded int, err error) {

	for _, part := range recipe.Parts {
		exists, err := artifactExists(part)
		if err != nil {
			return 0, 0, 0, err
		}
		if exists {
			skipped++
			continue
		}
		if renderErr := render(part); renderErr != nil {
			var re *RenderError
			if errors.As(renderErr, &re) && !part.Required {
				degraded++
				onDegrade(part, renderErr)
				continue
			}
			return 0, 0, 0, renderErr
		}
		rendered++
	}
	return rendered, skipped, degraded, nil
}

// buildJobRenderContext adapts the loaded rows into the pure rules-engine
// input. The export hash prefers the upstream bundle hash when the assignment
// carries one; otherwise it is computed from the rows themselves.
func buildJobRenderContext(job *models.GenerationJob, assignment *models.Assignment, recipe *Recipe, fieldRows []*models.AssignmentFieldValue, evidenceRows []*models.EvidenceLink) *RenderContext {
	fields := make([]FieldRow, 0, len(fieldRows))
	for _, row := range fieldRows {
		fields = append(fields, FieldRow{SectionKey: row.SectionKey, FieldKey: row.FieldKey, Value: row.Value})
	}

	evidence := make([]EvidenceRow, 0, len(evidenceRows))
	for _, row := range evidenceRows {
		item := EvidenceRow{SectionKey: row.SectionKey, Category: row.Category, SortOrder: row.SortOrder}
		if row.Document != nil {
			item.FileName = row.Document.FileName
			item.ContentType = row.Document.ContentType
			item.StoragePath = row.Document.StoragePath
		}
		evidence = append(evidence, item)
	}

	exportHash := ""
	if assignment.ExportBundleHash != nil && *assignment.ExportBundleHash != "" {
		exportHash = *assignment.ExportBundleHash
	} else {
		exportHash = ComputeExportHash(fields, evidence)
	}

	var factory *FactoryBridge
	if assignment.WorkOrderId != nil || assignment.SnapshotVersion != nil ||
		assignment.TemplateSelector != nil || assignment.ExportBundleHash != nil {
		factory = &FactoryBridge{
			WorkOrderId:      utils.DereferencePtr(assignment.WorkOrderId),
			SnapshotVersion:  assignment.SnapshotVersion,
			TemplateSelector: utils.DereferencePtr(assignment.TemplateSelector),
			ExportBundleHash: utils.DereferencePtr(assignment.ExportBundleHash),
		}
	}

	return BuildRenderContext(RenderInput{
		AssignmentId: assignment.ID,
		TemplateKey:  recipe.FamilyKey,
		BankName:     assignment.BankName,
		BranchName:   assignment.BranchName,
		ReportFamily: assignment.ReportFamily,
		Fields:       fields,
		Evidence:     evidence,
		ExportHash:   exportHash,
		TemplateHash: recipe.TemplateHash,
		Factory:      factory,
	})
}

// resolveOrCreatePack reuses the job's linked pack when a previous attempt got
// that far; otherwise it claims the next version. A concurrent creator loses
// the unique-index race and retries on the next free version.
func resolveOrCreatePack(tx *gorm.DB, job *models.GenerationJob, rc *RenderContext) (*models.ReportPack, error) {
	if job.ReportPackId != nil {
		pack, err := models.GetReportPackById(tx, job.BusinessId, *job.ReportPackId)
		if err == nil && pack.Status != models.ReportPackStatusFailed {
			return pack, nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	snapshot, _ := json.Marshal(map[string]interface{}{
		"assignment_id":  rc.AssignmentId,
		"template_key":   rc.TemplateKey,
		"bank_name":      rc.BankName,
		"field_count":    len(rc.Fields),
		"photo_count":    len(rc.Photos),
		"annexure_count": len(rc.Annexures),
		"export_hash":    rc.Meta.ExportHash,
	})

	var pack *models.ReportPack
	_, err := claimNextPackVersion(
		func() (int, error) {
			return models.LatestPackVersion(tx, job.BusinessId, job.AssignmentId, rc.TemplateKey)
		},
		func(version int) error {
			candidate := &models.ReportPack{
				BusinessId:      job.BusinessId,
				AssignmentId:    job.AssignmentId,
				TemplateKey:     rc.TemplateKey,
				Version:         version,
				Status:          models.ReportPackStatusGenerating,
				ContextSnapshot: string(snapshot),
			}
			if err := tx.Create(candidate).Error; err != nil {
				return err
			}
			pack = candidate
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("claim pack version for assignment %d: %w", job.AssignmentId, err)
	}

	if err := tx.Model(&models.GenerationJob{}).Where("id = ?", job.ID).
		Update("report_pack_id", pack.ID).Error; err != nil {
		return nil, err
	}
	job.ReportPackId = &pack.ID
	return pack, nil
}

// ErrPackVersionConflict means the unique index rejected every attempted
// version. The job fails and the queue redelivery tries again from scratch.
var ErrPackVersionConflict = errors.New("pack version conflict persisted")

// claimNextPackVersion reads the current max version and inserts max+1,
// retrying a bounded number of times when a concurrent creator wins the
// unique-index race. The read must see committed rows on retry, which is why
// LatestPackVersion takes a locking read.
func claimNextPackVersion(latestVersion func() (int, error), create func(version int) error) (int, error) {
	for attempt := 0; attempt < packVersionRetryLimit; attempt++ {
		latest, err := latestVersion()
		if err != nil {
			return 0, err
		}
		err = create(latest + 1)
		if err == nil {
			return latest + 1, nil
		}
		if !isDuplicateKeyErr(err) {
			return 0, err
		}
	}
	return 0, ErrPackVersionConflict
}

// convertPrimaryDocuments runs the format conversion stage over every primary
// document that does not already have a secondary counterpart. The stage never
// fails the job; the worst combined outcome wins the summary slot.
func convertPrimaryDocuments(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, rc *RenderContext, pack *models.ReportPack) (ConversionStatus, error) {
	artifacts, err := models.GetPackArtifacts(tx, pack.ID)
	if err != nil {
		return ConversionFailed, err
	}

	combined := ConversionSkipped
	for _, artifact := range artifacts {
		if artifact.Kind != models.ArtifactKindPrimaryDocument {
			continue
		}
		exists, err := models.ArtifactExists(tx, pack.ID, models.ArtifactKindSecondaryDocument, artifact.PartName)
		if err != nil {
			return ConversionFailed, err
		}
		if exists {
			continue
		}

		outcome := runConvertStage(ctx, logger, artifact.StoragePath, nil)
		switch outcome.Status {
		case ConversionGenerated:
			size, checksum, err := fileSizeAndChecksum(outcome.PdfPath)
			if err != nil {
				return ConversionFailed, err
			}
			secondary := &models.ReportPackArtifact{
				BusinessId:   pack.BusinessId,
				ReportPackId: pack.ID,
				Kind:         models.ArtifactKindSecondaryDocument,
				PartName:     artifact.PartName,
				FileName:     artifact.PartName + ".pdf",
				StoragePath:  outcome.PdfPath,
				Size:         size,
				Checksum:     &checksum,
				Metadata:     artifact.Metadata,
			}
			if err := tx.Create(secondary).Error; err != nil {
				return ConversionFailed, err
			}
			if combined == ConversionSkipped {
				combined = ConversionGenerated
			}
		case ConversionFailed:
			combined = ConversionFailed
		case ConversionSkipped:
			// Converter absent: nothing more will convert this run.
			return ConversionSkipped, nil
		}
	}
	return combined, nil
}

// recordGenerationFailure runs in its own transaction after the job
// transaction rolled back. Recovery failures are logged and swallowed; the
// caller keeps the original processing error either way.
func recordGenerationFailure(ctx context.Context, db *gorm.DB, logger *logrus.Logger, msg config.GenerationJobMessage, jobErr error) {
	recErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := models.GetGenerationJobById(tx, msg.BusinessId, msg.GenerationJobId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Job row vanished (deleted tenant, manual cleanup): nothing to record.
				return nil
			}
			return err
		}

		if err := job.MarkFailed(tx, jobErr.Error()); err != nil {
			return err
		}
		if job.ReportPackId != nil {
			pack, err := models.GetReportPackById(tx, job.BusinessId, *job.ReportPackId)
			if err == nil {
				if err := pack.MarkFailed(tx); err != nil {
					return err
				}
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return models.CreateHistory(tx, models.HistoryActionPackGenerationFailed, job.ID, "GenerationJob",
			fmt.Sprintf("Report pack generation failed for assignment %d", job.AssignmentId),
			map[string]interface{}{"error": jobErr.Error(), "attempts": job.Attempts})
	})
	if recErr != nil {
		config.LogError(logger, "generationJob", "recordGenerationFailure", "failure recovery", msg, recErr)
	}
}
