package workflow

import (
	"testing"

	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. The context builder is a pure
// function of its input rows; everything here runs without MySQL or Redis.

func strPtr(s string) *string { return &s }

func valuationInput(fields map[string]string) RenderInput {
	in := RenderInput{AssignmentId: 1, TemplateKey: "general"}
	for k, v := range fields {
		in.Fields = append(in.Fields, FieldRow{FieldKey: k, Value: v})
	}
	return in
}

func TestBuildRenderContext_ValuationFigures(t *testing.T) {
	rc := BuildRenderContext(valuationInput(map[string]string{
		"land_value":     "2500000",
		"building_value": "1500000",
	}))

	if got := rc.Valuation.Fmv.String(); got != "4000000" {
		t.Fatalf("fmv = %s, want 4000000", got)
	}
	if got := rc.Valuation.RealizableValue.String(); got != "3800000" {
		t.Fatalf("realizable = %s, want 3800000", got)
	}
	if got := rc.Valuation.DistressValue.String(); got != "3200000" {
		t.Fatalf("distress = %s, want 3200000", got)
	}
}

func TestBuildRenderContext_Depreciation(t *testing.T) {
	rc := BuildRenderContext(valuationInput(map[string]string{
		"property_age_years": "10",
		"total_life_years":   "60",
	}))
	if got := rc.Valuation.DepreciationPct.Round(2).String(); got != "16.67" {
		t.Fatalf("depreciation = %s, want 16.67", got)
	}
}

func TestBuildRenderContext_DepreciationZeroTotalLife(t *testing.T) {
	rc := BuildRenderContext(valuationInput(map[string]string{
		"property_age_years": "10",
		"total_life_years":   "0",
	}))
	if !rc.Valuation.DepreciationPct.IsZero() {
		t.Fatalf("depreciation with zero total life = %s, want 0", rc.Valuation.DepreciationPct)
	}
}

func TestBuildRenderContext_MissingFieldsDegrade(t *testing.T) {
	rc := BuildRenderContext(valuationInput(nil))
	if !rc.Valuation.Fmv.IsZero() {
		t.Fatalf("fmv with no inputs = %s, want 0", rc.Valuation.Fmv)
	}
}

func TestBuildRenderContext_SectionedFieldKeys(t *testing.T) {
	in := RenderInput{AssignmentId: 1, Fields: []FieldRow{
		{SectionKey: strPtr("valuation"), FieldKey: "land_value", Value: "100"},
	}}
	rc := BuildRenderContext(in)
	if rc.Fields["valuation.land_value"] != "100" {
		t.Fatalf("sectioned key missing: %v", rc.Fields)
	}
	if rc.Fields["land_value"] != "100" {
		t.Fatalf("bare fallback key missing: %v", rc.Fields)
	}
	if got := rc.Valuation.LandValue.String(); got != "100" {
		t.Fatalf("land value = %s, want 100", got)
	}
}

func TestDetectBankFlags(t *testing.T) {
	cases := []struct {
		name string
		bank string
		want BankFlags
	}{
		{"sbi full name", "State Bank of India", BankFlags{IsSbi: true}},
		{"sbi token", "SBI Main Branch", BankFlags{IsSbi: true}},
		{"boi", "Bank of India", BankFlags{IsBoi: true}},
		{"coop", "XYZ Co-operative Bank", BankFlags{IsCoop: true}},
		{"cooperative word", "Rural Cooperative Bank Ltd", BankFlags{IsCoop: true}},
		{"plain", "HDFC Bank", BankFlags{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectBankFlags(tc.bank); got != tc.want {
				t.Fatalf("DetectBankFlags(%q) = %+v, want %+v", tc.bank, got, tc.want)
			}
		})
	}
}

func TestBoiValuation(t *testing.T) {
	in := valuationInput(map[string]string{
		"land_value":     "35000000",
		"building_value": "25000000",
	})
	in.BankName = "Bank of India"
	rc := BuildRenderContext(in)

	if got := rc.Valuation.Fmv.String(); got != "60000000" {
		t.Fatalf("fmv = %s, want 60000000", got)
	}
	if !rc.Flags.IsBoi || rc.Flags.IsSbi {
		t.Fatalf("flags = %+v, want IsBoi only", rc.Flags)
	}
}

func TestPartitionEvidence_PhotoOrdering(t *testing.T) {
	in := RenderInput{Evidence: []EvidenceRow{
		{Category: "gps", FileName: "gps.jpg", ContentType: "image/jpeg"},
		{Category: "exterior", FileName: "front.jpg", ContentType: "image/jpeg"},
		{Category: "interior", FileName: "hall.jpg", ContentType: "image/jpeg"},
	}}
	rc := BuildRenderContext(in)

	want := []string{"front.jpg", "hall.jpg", "gps.jpg"}
	if len(rc.Photos) != len(want) {
		t.Fatalf("photos = %d, want %d", len(rc.Photos), len(want))
	}
	for i, name := range want {
		if rc.Photos[i].FileName != name {
			t.Fatalf("photo[%d] = %s, want %s", i, rc.Photos[i].FileName, name)
		}
	}
}

func TestPartitionEvidence_NonImagesAreAnnexures(t *testing.T) {
	in := RenderInput{Evidence: []EvidenceRow{
		{Category: "exterior", FileName: "front.jpg", ContentType: "image/jpeg"},
		{Category: "other_screenshots", FileName: "sale_deed.pdf", ContentType: "application/pdf"},
	}}
	rc := BuildRenderContext(in)

	if len(rc.Photos) != 1 || rc.Photos[0].FileName != "front.jpg" {
		t.Fatalf("photos = %+v, want only front.jpg", rc.Photos)
	}
	if len(rc.Annexures) != 1 || rc.Annexures[0].FileName != "sale_deed.pdf" {
		t.Fatalf("annexures = %+v, want only sale_deed.pdf", rc.Annexures)
	}
}

func TestConvertRatePerSqftToPerSqm(t *testing.T) {
	got := ConvertRatePerSqftToPerSqm(decimal.NewFromInt(800))
	if got.String() != "8611.12" {
		t.Fatalf("rate = %s, want 8611.12", got)
	}
}

func TestRoundUpTo500(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"2700000", "2700000"},
		{"2700100", "2700500"},
		{"1", "500"},
		{"0", "0"},
	}
	for _, tc := range cases {
		got := RoundUpTo500(decimal.RequireFromString(tc.in))
		if got.String() != tc.want {
			t.Fatalf("RoundUpTo500(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCoopAdoptedRoundTrip(t *testing.T) {
	market := decimal.NewFromInt(5000000)
	adopted := CoopAdoptedFromMarket(market)
	if adopted.String() != "4000000" {
		t.Fatalf("adopted = %s, want 4000000", adopted)
	}
	back := CoopMarketFromAdopted(adopted)
	if !back.Equal(market) {
		t.Fatalf("round trip = %s, want %s", back, market)
	}
}

func TestComputeExportHash_Deterministic(t *testing.T) {
	fields := []FieldRow{{FieldKey: "land_value", Value: "100"}}
	evidence := []EvidenceRow{{Category: "exterior", FileName: "a.jpg", ContentType: "image/jpeg"}}

	h1 := ComputeExportHash(fields, evidence)
	h2 := ComputeExportHash(fields, evidence)
	if h1 == "" || h1 != h2 {
		t.Fatalf("hash not deterministic: %q vs %q", h1, h2)
	}

	h3 := ComputeExportHash([]FieldRow{{FieldKey: "land_value", Value: "101"}}, evidence)
	if h3 == h1 {
		t.Fatal("hash did not change with input")
	}
}

func valuationFiguresEqual(a, b ValuationFigures) bool {
	return a.LandValue.Equal(b.LandValue) &&
		a.BuildingValue.Equal(b.BuildingValue) &&
		a.Fmv.Equal(b.Fmv) &&
		a.RealizableValue.Equal(b.RealizableValue) &&
		a.DistressValue.Equal(b.DistressValue) &&
		a.DepreciationPct.Equal(b.DepreciationPct)
}

func TestBuildRenderContext_SameInputSameContext(t *testing.T) {
	in := valuationInput(map[string]string{
		"land_value":     "2500000",
		"building_value": "1500000",
	})
	in.BankName = "State Bank of India"
	in.Evidence = []EvidenceRow{
		{Category: "interior", FileName: "b.jpg", ContentType: "image/jpeg"},
		{Category: "exterior", FileName: "a.jpg", ContentType: "image/jpeg"},
	}

	a := BuildRenderContext(in)
	b := BuildRenderContext(in)
	// decimal.Decimal holds a pointer internally, so the figures are compared
	// value-wise rather than with ==.
	if !valuationFiguresEqual(a.Valuation, b.Valuation) || a.Flags != b.Flags {
		t.Fatal("contexts differ for identical input")
	}
	for i := range a.Photos {
		if a.Photos[i] != b.Photos[i] {
			t.Fatal("photo ordering differs for identical input")
		}
	}
}
