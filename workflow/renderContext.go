package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/valuation_backend/models"
	"bitbucket.org/mmdatafocus/valuation_backend/utils"
	"github.com/shopspring/decimal"
)

// Rate conversion between linear-measure systems. 1 m² = 10.7639 ft²,
// i.e. a per-ft² rate divided by 0.092903 gives the per-m² rate.
var (
	SqftPerSqm = decimal.RequireFromString("10.7639")

	realizableFactor  = decimal.RequireFromString("0.95")
	distressFactor    = decimal.RequireFromString("0.80")
	coopAdoptedFactor = decimal.RequireFromString("0.8")
	hundred           = decimal.NewFromInt(100)
	fiveHundred       = decimal.NewFromInt(500)
)

// Field keys the rules engine computes from. All other field rows pass through
// to the template data untouched.
const (
	FieldKeyLandValue      = "land_value"
	FieldKeyBuildingValue  = "building_value"
	FieldKeyAgeYears       = "property_age_years"
	FieldKeyTotalLifeYears = "total_life_years"
)

type FieldRow struct {
	SectionKey *string
	FieldKey   string
	Value      string
}

type EvidenceRow struct {
	SectionKey  string
	Category    string
	SortOrder   int
	FileName    string
	ContentType string
	StoragePath string
}

// FactoryBridge carries optional upstream traceability identifiers through to
// artifact metadata, verbatim.
type FactoryBridge struct {
	WorkOrderId      string `json:"work_order_id,omitempty"`
	SnapshotVersion  *int   `json:"snapshot_version,omitempty"`
	TemplateSelector string `json:"template_selector,omitempty"`
	ExportBundleHash string `json:"export_bundle_hash,omitempty"`
}

type RenderInput struct {
	AssignmentId int
	TemplateKey  string
	BankName     string
	BranchName   string
	ReportFamily string
	Fields       []FieldRow
	Evidence     []EvidenceRow
	ExportHash   string
	TemplateHash string
	Factory      *FactoryBridge
}

type BankFlags struct {
	IsSbi  bool
	IsBoi  bool
	IsCoop bool
}

type ValuationFigures struct {
	LandValue       decimal.Decimal
	BuildingValue   decimal.Decimal
	Fmv             decimal.Decimal
	RealizableValue decimal.Decimal
	DistressValue   decimal.Decimal
	DepreciationPct decimal.Decimal
}

type EvidenceItem struct {
	FileName    string
	ContentType string
	StoragePath string
	Category    string
	SectionKey  string
}

type RenderMeta struct {
	ExportHash   string         `json:"export_hash"`
	TemplateHash string         `json:"template_hash"`
	Factory      *FactoryBridge `json:"factory,omitempty"`
}

// RenderContext is the deterministic computed data object merged into the
// templates. It lives for exactly one job execution and is never persisted.
type RenderContext struct {
	AssignmentId int
	TemplateKey  string
	BankName     string
	BranchName   string
	ReportFamily string
	Flags        BankFlags
	Valuation    ValuationFigures
	Fields       map[string]string
	Photos       []EvidenceItem
	Annexures    []EvidenceItem
	Meta         RenderMeta
}

// BuildRenderContext is pure: identical inputs produce a bit-for-bit identical
// context. Missing optional fields degrade to zero/empty, never to an error.
func BuildRenderContext(in RenderInput) *RenderContext {
	fields := make(map[string]string, len(in.Fields))
	for _, f := range in.Fields {
		key := f.FieldKey
		if f.SectionKey != nil && *f.SectionKey != "" {
			key = *f.SectionKey + "." + f.FieldKey
		}
		fields[key] = f.Value
		// Also expose the bare field key when no section variant claimed it.
		if _, ok := fields[f.FieldKey]; !ok {
			fields[f.FieldKey] = f.Value
		}
	}

	land := utils.ParseDecimalOrZero(fields[FieldKeyLandValue])
	building := utils.ParseDecimalOrZero(fields[FieldKeyBuildingValue])
	fmv := land.Add(building)

	age := utils.ParseDecimalOrZero(fields[FieldKeyAgeYears])
	totalLife := utils.ParseDecimalOrZero(fields[FieldKeyTotalLifeYears])
	depreciation := decimal.Zero
	if totalLife.IsPositive() {
		depreciation = age.Div(totalLife).Mul(hundred)
	}

	photos, annexures := partitionEvidence(in.Evidence)

	return &RenderContext{
		AssignmentId: in.AssignmentId,
		TemplateKey:  in.TemplateKey,
		BankName:     in.BankName,
		BranchName:   in.BranchName,
		ReportFamily: in.ReportFamily,
		Flags:        DetectBankFlags(in.BankName),
		Valuation: ValuationFigures{
			LandValue:       land,
			BuildingValue:   building,
			Fmv:             fmv,
			RealizableValue: fmv.Mul(realizableFactor).Round(0),
			DistressValue:   fmv.Mul(distressFactor).Round(0),
			DepreciationPct: depreciation,
		},
		Fields:    fields,
		Photos:    photos,
		Annexures: annexures,
		Meta: RenderMeta{
			ExportHash:   in.ExportHash,
			TemplateHash: in.TemplateHash,
			Factory:      in.Factory,
		},
	}
}

// DetectBankFlags classifies the bank name. SBI is checked first: "State Bank
// of India" contains "Bank of India" and must not read as BOI.
func DetectBankFlags(bankName string) BankFlags {
	name := strings.ToLower(strings.TrimSpace(bankName))
	var flags BankFlags

	flags.IsSbi = strings.Contains(name, "state bank") || hasToken(name, "sbi")
	if !flags.IsSbi {
		flags.IsBoi = strings.Contains(name, "bank of india") || hasToken(name, "boi")
	}
	flags.IsCoop = strings.Contains(name, "co-op") ||
		strings.Contains(name, "cooperative") ||
		strings.Contains(name, "co operative") ||
		strings.Contains(name, "co-operative")
	return flags
}

func hasToken(name string, token string) bool {
	for _, part := range strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '-' || r == '.' || r == ',' || r == '(' || r == ')'
	}) {
		if part == token {
			return true
		}
	}
	return false
}

// photoCategoryRank fixes the deterministic photo sequence. Unknown categories
// sort after the known ones, preserving input order among themselves.
var photoCategoryRank = map[string]int{
	string(models.EvidenceCategoryExterior):         0,
	string(models.EvidenceCategoryInterior):         1,
	string(models.EvidenceCategorySurroundings):     2,
	string(models.EvidenceCategoryGps):              3,
	string(models.EvidenceCategoryOtherScreenshots): 4,
}

func partitionEvidence(evidence []EvidenceRow) (photos []EvidenceItem, annexures []EvidenceItem) {
	for _, e := range evidence {
		item := EvidenceItem{
			FileName:    e.FileName,
			ContentType: e.ContentType,
			StoragePath: e.StoragePath,
			Category:    e.Category,
			SectionKey:  e.SectionKey,
		}
		if strings.HasPrefix(strings.ToLower(e.ContentType), "image/") {
			photos = append(photos, item)
		} else {
			annexures = append(annexures, item)
		}
	}

	sort.SliceStable(photos, func(i, j int) bool {
		return photoRank(photos[i].Category) < photoRank(photos[j].Category)
	})
	return photos, annexures
}

func photoRank(category string) int {
	if rank, ok := photoCategoryRank[strings.ToLower(category)]; ok {
		return rank
	}
	return len(photoCategoryRank)
}

// ConvertRatePerSqftToPerSqm converts a per-ft² rate to the metric system.
func ConvertRatePerSqftToPerSqm(ratePerSqft decimal.Decimal) decimal.Decimal {
	return ratePerSqft.Mul(SqftPerSqm)
}

// CoopMarketFromAdopted inverts a co-operative bank adopted value back to the
// market value, and CoopAdoptedFromMarket is the forward direction.
func CoopMarketFromAdopted(adopted decimal.Decimal) decimal.Decimal {
	return adopted.Div(coopAdoptedFactor)
}

func CoopAdoptedFromMarket(market decimal.Decimal) decimal.Decimal {
	return market.Mul(coopAdoptedFactor)
}

// RoundUpTo500 rounds a total up to the next multiple of 500. A value already
// on a multiple is unchanged.
func RoundUpTo500(value decimal.Decimal) decimal.Decimal {
	quotient := value.Div(fiveHundred)
	ceil := quotient.Ceil()
	return ceil.Mul(fiveHundred)
}

// ComputeExportHash derives a stable identifier for the exact input snapshot a
// pack was generated from. Row order is part of the identity: the loaders
// return rows in (sort_order, id) order.
func ComputeExportHash(fields []FieldRow, evidence []EvidenceRow) string {
	type snapshot struct {
		Fields   []FieldRow    `json:"fields"`
		Evidence []EvidenceRow `json:"evidence"`
	}
	b, err := json.Marshal(snapshot{Fields: fields, Evidence: evidence})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
