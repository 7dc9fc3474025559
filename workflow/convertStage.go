package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ConversionStatus is the three-way outcome of the format conversion stage.
// Skipped (converter absent) and Failed (converter broke) are both non-fatal;
// only Generated yields a secondary artifact.
type ConversionStatus string

const (
	ConversionGenerated ConversionStatus = "Generated"
	ConversionSkipped   ConversionStatus = "Skipped"
	ConversionFailed    ConversionStatus = "Failed"
)

type ConversionOutcome struct {
	Status  ConversionStatus
	PdfPath string
}

// The headless converter cannot safely run in parallel against a shared
// profile directory, so invocations serialize through a process-wide
// semaphore sized by PDF_CONVERT_CONCURRENCY.
var (
	convertSemOnce sync.Once
	convertSem     *semaphore.Weighted
)

func converterSemaphore() *semaphore.Weighted {
	convertSemOnce.Do(func() {
		convertSem = semaphore.NewWeighted(int64(config.PdfConvertConcurrency()))
	})
	return convertSem
}

func converterBin() string {
	if v := strings.TrimSpace(os.Getenv("PDF_CONVERTER_BIN")); v != "" {
		return v
	}
	return "soffice"
}

// runConvertStage converts one rendered document to PDF. The caller gates this
// on the tenant flag and records a secondary artifact only for Generated.
func runConvertStage(ctx context.Context, logger *logrus.Logger, docPath string, runner ToolRunner) ConversionOutcome {
	if runner == nil {
		runner = RunTool
	}

	sem := converterSemaphore()
	if err := sem.Acquire(ctx, 1); err != nil {
		config.LogWarn(logger, "convertStage", "runConvertStage", "acquire converter slot",
			map[string]interface{}{"doc": docPath}, "conversion aborted: "+err.Error())
		return ConversionOutcome{Status: ConversionFailed}
	}
	defer sem.Release(1)

	outDir := filepath.Dir(docPath)
	err := runner(ctx, ToolInvocation{
		Bin:     converterBin(),
		Args:    []string{"--headless", "--convert-to", "pdf", "--outdir", outDir, docPath},
		Timeout: config.PdfConvertTimeout(),
	})
	switch {
	case err == nil:
		pdfPath := strings.TrimSuffix(docPath, filepath.Ext(docPath)) + ".pdf"
		if _, statErr := os.Stat(pdfPath); statErr != nil {
			config.LogWarn(logger, "convertStage", "runConvertStage", "converter output",
				map[string]interface{}{"doc": docPath, "pdf": pdfPath},
				"converter exited zero but produced no output")
			return ConversionOutcome{Status: ConversionFailed}
		}
		return ConversionOutcome{Status: ConversionGenerated, PdfPath: pdfPath}

	case errors.Is(err, ErrToolNotFound):
		// Normal on hosts without the converter installed.
		return ConversionOutcome{Status: ConversionSkipped}

	default:
		config.LogWarn(logger, "convertStage", "runConvertStage", "converter run",
			map[string]interface{}{"doc": docPath}, "conversion failed: "+err.Error())
		return ConversionOutcome{Status: ConversionFailed}
	}
}
