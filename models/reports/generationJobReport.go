package reports

import (
	"context"
	"errors"
	"fmt"
	"io"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"bitbucket.org/mmdatafocus/valuation_backend/utils"
	"github.com/xuri/excelize/v2"
)

type GenerationJobSummaryRow struct {
	TemplateKey    string `json:"TemplateKey"`
	Status         string `json:"Status"`
	JobCount       int    `json:"JobCount"`
	TotalAttempts  int    `json:"TotalAttempts"`
	PacksGenerated int    `json:"PacksGenerated"`
}

// GetGenerationJobSummaryReport aggregates job outcomes per template family
// and status for the operator dashboard export.
func GetGenerationJobSummaryReport(ctx context.Context) ([]*GenerationJobSummaryRow, error) {

	sql := `
SELECT
    gj.template_key,
    gj.status,
    COUNT(gj.id) AS job_count,
    SUM(gj.attempts) AS total_attempts,
    COUNT(DISTINCT gj.report_pack_id) AS packs_generated
FROM
    generation_jobs AS gj
WHERE
    gj.business_id = @businessId
GROUP BY gj.template_key , gj.status
ORDER BY gj.template_key , gj.status;
`

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var records []*GenerationJobSummaryRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{"businessId": businessId}).
		Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// WriteGenerationJobWorkbook renders the summary rows as an xlsx workbook.
func WriteGenerationJobWorkbook(w io.Writer, data []*GenerationJobSummaryRow) error {

	f := excelize.NewFile()
	sheetName := "Sheet1"
	_, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}

	// Add headers
	f.SetCellValue(sheetName, "A1", "TemplateKey")
	f.SetCellValue(sheetName, "B1", "Status")
	f.SetCellValue(sheetName, "C1", "JobCount")
	f.SetCellValue(sheetName, "D1", "TotalAttempts")
	f.SetCellValue(sheetName, "E1", "PacksGenerated")

	// Add data
	for i, d := range data {
		f.SetCellValue(sheetName, "A"+fmt.Sprint(i+2), d.TemplateKey)
		f.SetCellValue(sheetName, "B"+fmt.Sprint(i+2), d.Status)
		f.SetCellValue(sheetName, "C"+fmt.Sprint(i+2), d.JobCount)
		f.SetCellValue(sheetName, "D"+fmt.Sprint(i+2), d.TotalAttempts)
		f.SetCellValue(sheetName, "E"+fmt.Sprint(i+2), d.PacksGenerated)
	}

	return f.Write(w)
}
