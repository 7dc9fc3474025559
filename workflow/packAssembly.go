package workflow

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"bitbucket.org/mmdatafocus/valuation_backend/models"
	"bitbucket.org/mmdatafocus/valuation_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// packManifest is the manifest.json embedded in every archive. It ties the
// archive back to the exact inputs and templates it was generated from.
type packManifest struct {
	ExportHash   string              `json:"export_hash,omitempty"`
	TemplateHash string              `json:"template_hash,omitempty"`
	Version      int                 `json:"version"`
	GeneratedAt  time.Time           `json:"generated_at"`
	Generator    string              `json:"generator"`
	Entries      []packManifestEntry `json:"entries"`
}

type packManifestEntry struct {
	FileName string `json:"file_name"`
	Kind     string `json:"kind"`
	Checksum string `json:"checksum,omitempty"`
	Size     int64  `json:"size"`
}

// assemblePack zips the pack's document artifacts plus the manifest into the
// final archive, records the archive artifact row and uploads the archive to
// object storage best-effort. Local disk is the system of record; a failed
// upload only warns.
func assemblePack(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, rc *RenderContext, pack *models.ReportPack, job *models.GenerationJob) (*models.ReportPackArtifact, error) {
	artifacts, err := models.GetPackArtifacts(tx, pack.ID)
	if err != nil {
		return nil, err
	}

	manifest := packManifest{
		ExportHash:   rc.Meta.ExportHash,
		TemplateHash: rc.Meta.TemplateHash,
		Version:      pack.Version,
		GeneratedAt:  time.Now().UTC(),
		Generator:    documentGeneratorTag,
	}

	archivePath := archiveOutputPath(config.ArtifactRoot(), rc, pack, job.ID)
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return nil, err
	}
	out, err := os.Create(archivePath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, artifact := range artifacts {
		if artifact.Kind == models.ArtifactKindArchive {
			continue
		}
		if err := addFileToArchive(zw, artifact.StoragePath, artifact.FileName); err != nil {
			zw.Close()
			return nil, fmt.Errorf("archive %s: %w", artifact.FileName, err)
		}
		entry := packManifestEntry{
			FileName: artifact.FileName,
			Kind:     string(artifact.Kind),
			Size:     artifact.Size,
		}
		if artifact.Checksum != nil {
			entry.Checksum = *artifact.Checksum
		}
		manifest.Entries = append(manifest.Entries, entry)
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		zw.Close()
		return nil, err
	}
	mw, err := zw.Create("manifest.json")
	if err != nil {
		zw.Close()
		return nil, err
	}
	if _, err := mw.Write(manifestBytes); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	size, checksum, err := fileSizeAndChecksum(archivePath)
	if err != nil {
		return nil, err
	}

	metadata, _ := json.Marshal(artifactMetadata{
		Generator:    documentGeneratorTag,
		ExportHash:   rc.Meta.ExportHash,
		TemplateHash: rc.Meta.TemplateHash,
		Factory:      rc.Meta.Factory,
	})
	archive := &models.ReportPackArtifact{
		BusinessId:   pack.BusinessId,
		ReportPackId: pack.ID,
		Kind:         models.ArtifactKindArchive,
		PartName:     "archive",
		FileName:     filepath.Base(archivePath),
		StoragePath:  archivePath,
		Size:         size,
		Checksum:     &checksum,
		Metadata:     string(metadata),
	}
	if err := tx.Create(archive).Error; err != nil {
		return nil, err
	}

	uploadArchiveToGCS(ctx, logger, pack, archivePath)
	return archive, nil
}

// archiveOutputPath keys the archive name on the export-hash prefix so two
// packs from different input snapshots never collide on filename.
func archiveOutputPath(artifactRoot string, rc *RenderContext, pack *models.ReportPack, jobId int) string {
	hashPrefix := "nohash"
	if len(rc.Meta.ExportHash) >= 8 {
		hashPrefix = rc.Meta.ExportHash[:8]
	}
	fileName := fmt.Sprintf("pack-%s-v%d-%d.zip", hashPrefix, pack.Version, jobId)
	return filepath.Join(artifactRoot, strconv.Itoa(pack.AssignmentId), pack.TemplateKey, fileName)
}

func addFileToArchive(zw *zip.Writer, srcPath string, entryName string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(entryName)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func uploadArchiveToGCS(ctx context.Context, logger *logrus.Logger, pack *models.ReportPack, archivePath string) {
	f, err := os.Open(archivePath)
	if err != nil {
		config.LogWarn(logger, "packAssembly", "uploadArchiveToGCS", "open archive",
			map[string]interface{}{"path": archivePath}, "archive upload skipped: "+err.Error())
		return
	}
	defer f.Close()

	objectName := fmt.Sprintf("packs/%s/%d/%s", pack.BusinessId, pack.AssignmentId, filepath.Base(archivePath))
	if err := utils.UploadFileToGCS(ctx, objectName, "application/zip", f); err != nil {
		config.LogWarn(logger, "packAssembly", "uploadArchiveToGCS", "upload",
			map[string]interface{}{"object": objectName}, "archive upload failed: "+err.Error())
	}
}
