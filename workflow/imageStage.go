package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// Image intelligence is strictly best-effort. Nothing in this file may fail
// the generation job: every error path degrades to a warning and the stage
// result records what was skipped.

const normalizedPhotoMaxEdge = 1600

type photoManifestEntry struct {
	FileName   string `json:"file_name"`
	Category   string `json:"category"`
	SectionKey string `json:"section_key,omitempty"`
	LocalPath  string `json:"local_path"`
	Normalized bool   `json:"normalized"`
}

// ImageStageResult summarizes what the stage managed to do, for the job
// summary and the success history entry.
type ImageStageResult struct {
	PhotosSeen       int  `json:"photos_seen"`
	PhotosNormalized int  `json:"photos_normalized"`
	ClassifierRan    bool `json:"classifier_ran"`
	EmbedRan         bool `json:"embed_ran"`
}

// runImageStage normalizes the pack's photos into a scratch directory, runs
// the optional classifier over the photo manifest and then lets the optional
// embedder rewrite the rendered photo-part document in place using the
// classified results. The caller gates this on the tenant flag and the
// recipe's photo part, and re-records the document's size and checksum when
// the embedder ran.
func runImageStage(ctx context.Context, logger *logrus.Logger, jobId int, documentPath string, photos []EvidenceItem, runner ToolRunner) ImageStageResult {
	result := ImageStageResult{PhotosSeen: len(photos)}
	if runner == nil {
		runner = RunTool
	}

	workDir, err := os.MkdirTemp("", "photo-stage-"+strconv.Itoa(jobId)+"-")
	if err != nil {
		config.LogWarn(logger, "imageStage", "runImageStage", "scratch dir", nil,
			"cannot create scratch directory, skipping image stage: "+err.Error())
		return result
	}
	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	entries := make([]photoManifestEntry, 0, len(photos))
	for i, photo := range photos {
		entry := photoManifestEntry{
			FileName:   photo.FileName,
			Category:   photo.Category,
			SectionKey: photo.SectionKey,
			LocalPath:  photo.StoragePath,
		}
		normalizedPath := filepath.Join(workDir, strconv.Itoa(i)+"-"+filepath.Base(photo.FileName))
		if err := normalizePhoto(photo.StoragePath, normalizedPath); err != nil {
			config.LogWarn(logger, "imageStage", "runImageStage", "normalize photo",
				map[string]interface{}{"file": photo.FileName}, "photo normalization failed, using original: "+err.Error())
		} else {
			entry.LocalPath = normalizedPath
			entry.Normalized = true
			result.PhotosNormalized++
		}
		entries = append(entries, entry)
	}

	manifestPath := filepath.Join(workDir, "photos.json")
	payload, err := json.Marshal(entries)
	if err == nil {
		err = os.WriteFile(manifestPath, payload, 0o644)
	}
	if err != nil {
		config.LogWarn(logger, "imageStage", "runImageStage", "photo manifest", nil,
			"cannot write photo manifest, skipping tool passes: "+err.Error())
		return result
	}

	// The classifier reads the manifest and writes its categorized results
	// next to it; the embedder consumes those results and rewrites the
	// rendered document in place. Without classifier output the embedder
	// falls back to the raw manifest.
	resultsPath := filepath.Join(workDir, "classified.json")
	result.ClassifierRan = runPhotoTool(ctx, logger, runner, os.Getenv("PHOTO_CLASSIFIER_BIN"), "classifier", manifestPath, resultsPath)

	if documentPath != "" {
		embedInput := manifestPath
		if result.ClassifierRan {
			if _, err := os.Stat(resultsPath); err == nil {
				embedInput = resultsPath
			}
		}
		result.EmbedRan = runPhotoTool(ctx, logger, runner, os.Getenv("PHOTO_EMBED_BIN"), "embed", embedInput, documentPath)
	}
	return result
}

// normalizePhoto re-encodes a photo bounded to normalizedPhotoMaxEdge on its
// longer side. Aspect ratio is preserved; smaller images pass through as-is.
func normalizePhoto(srcPath string, dstPath string) error {
	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return err
	}
	bounds := img.Bounds()
	if bounds.Dx() > normalizedPhotoMaxEdge || bounds.Dy() > normalizedPhotoMaxEdge {
		img = imaging.Fit(img, normalizedPhotoMaxEdge, normalizedPhotoMaxEdge, imaging.Lanczos)
	}
	return imaging.Save(img, dstPath)
}

func runPhotoTool(ctx context.Context, logger *logrus.Logger, runner ToolRunner, bin string, toolName string, args ...string) bool {
	err := runner(ctx, ToolInvocation{
		Bin:     bin,
		Args:    args,
		Timeout: 60 * time.Second,
	})
	if err == nil {
		return true
	}
	if err == ErrToolNotFound {
		// Hosts without the optional toolchain are a normal deployment shape.
		return false
	}
	config.LogWarn(logger, "imageStage", "runPhotoTool", toolName,
		map[string]interface{}{"bin": bin}, "photo tool failed: "+err.Error())
	return false
}
