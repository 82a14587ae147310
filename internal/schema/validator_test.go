package schema

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/RossTaxPrep/efile_layer/pkg/testutil"
)

func fixedValidator() *Validator {
	return New(WithClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }))
}

func TestValidReturnHasNoFindings(t *testing.T) {
	res, err := fixedValidator().Validate(testutil.ValidReturn1040(2025), "1040", Context{TaxYear: 2025, Environment: "ATS"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid || len(res.Errors) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("expected clean result, got %+v", res)
	}
}

func TestMissingFilingStatus(t *testing.T) {
	res, _ := fixedValidator().Validate(testutil.Return1040MissingFilingStatus(2025), "1040", Context{TaxYear: 2025})
	if res.Valid {
		t.Fatalf("expected invalid result")
	}
	if !res.HasError(CodeMissingElement) {
		t.Fatalf("expected MISSING_ELEMENT, got %+v", res.Errors)
	}
	found := false
	for _, e := range res.Errors {
		if e.Field == "FilingStatus" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected FilingStatus field on the error: %+v", res.Errors)
	}
}

func TestInvalidSSNFormats(t *testing.T) {
	cases := []struct {
		ssn   string
		valid bool
	}{
		{"900000001", true},
		{"900-00-0001", true},
		{"900 00 0001", true},
		{"12345", false},
		{"9000000012", false},
		{"90000000A", false},
		{"000000000", false},
		{"", false},
	}
	v := fixedValidator()
	for _, tc := range cases {
		doc := testutil.Return1040(testutil.Individual{SSN: tc.ssn, TaxYear: 2025, FilingStatus: "Single"})
		res, err := v.Validate(doc, "1040", Context{TaxYear: 2025})
		if err != nil {
			t.Fatalf("validate %q: %v", tc.ssn, err)
		}
		if got := !res.HasError(CodeInvalidSSN); got != tc.valid {
			t.Errorf("ssn %q: valid=%v, want %v (errors %+v)", tc.ssn, got, tc.valid, res.Errors)
		}
	}
}

func TestControlledRejectReportsInvalidSSN(t *testing.T) {
	res, _ := fixedValidator().Validate(testutil.Return1040InvalidSSN(2025), "1040", Context{TaxYear: 2025})
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	count := 0
	for _, e := range res.Errors {
		if e.Code == CodeInvalidSSN {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one INVALID_SSN, got %+v", res.Errors)
	}
}

func TestSpouseSSNChecked(t *testing.T) {
	doc := testutil.Return1040(testutil.Individual{SSN: "900000001", SpouseSSN: "9000", TaxYear: 2025, FilingStatus: "MarriedFilingJointly"})
	res, _ := fixedValidator().Validate(doc, "1040", Context{TaxYear: 2025})
	if !res.HasError(CodeInvalidSSN) {
		t.Fatalf("expected spouse INVALID_SSN, got %+v", res.Errors)
	}
}

func TestRepeatedDigitSSN(t *testing.T) {
	doc := testutil.Return1040(testutil.Individual{SSN: "111111111", TaxYear: 2025, FilingStatus: "Single"})
	res, _ := fixedValidator().Validate(doc, "1040", Context{TaxYear: 2025})
	if !res.HasError(CodeInvalidSSN) {
		t.Fatalf("expected repeated digit rejection, got %+v", res.Errors)
	}
}

func TestUnusualTaxYearIsWarningOnly(t *testing.T) {
	v := fixedValidator()
	for _, year := range []int{2010, 2020, 2027} {
		doc := testutil.Return1040(testutil.Individual{SSN: testutil.TestSSNThird, TaxYear: year, FilingStatus: "Single"})
		res, _ := v.Validate(doc, "1040", Context{TaxYear: year})
		if !res.Valid {
			t.Fatalf("year %d: expected valid, got %+v", year, res.Errors)
		}
		if !res.HasWarning(CodeUnusualTaxYear) {
			t.Fatalf("year %d: expected UNUSUAL_TAX_YEAR warning", year)
		}
	}

	for _, year := range []int{2021, 2026} {
		doc := testutil.Return1040(testutil.Individual{SSN: testutil.TestSSNThird, TaxYear: year, FilingStatus: "Single"})
		res, _ := v.Validate(doc, "1040", Context{TaxYear: year})
		if res.HasWarning(CodeUnusualTaxYear) {
			t.Fatalf("year %d should be within the window", year)
		}
	}
}

func TestTaxYearWindowOption(t *testing.T) {
	v := New(
		WithClock(func() time.Time { return time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC) }),
		WithTaxYearWindow(1),
	)
	res, _ := v.Validate(testutil.ValidReturn1040(2024), "1040", Context{TaxYear: 2024})
	if !res.HasWarning(CodeUnusualTaxYear) {
		t.Fatalf("expected 2024 to be unusual with a one year window")
	}
}

func TestTaxYearMismatch(t *testing.T) {
	res, _ := fixedValidator().Validate(testutil.ValidReturn1040(2025), "1040", Context{TaxYear: 2024})
	if !res.HasError(CodeTaxYearMismatch) {
		t.Fatalf("expected mismatch error, got %+v", res.Errors)
	}
}

func TestTestSSNRejectedInProduction(t *testing.T) {
	res, _ := fixedValidator().Validate(testutil.ValidReturn1040(2025), "1040", Context{TaxYear: 2025, Environment: "PRODUCTION"})
	if !res.HasError(CodeTestSSNInProduction) {
		t.Fatalf("expected TEST_SSN_IN_PRODUCTION, got %+v", res.Errors)
	}
}

func TestChecksDoNotShortCircuit(t *testing.T) {
	doc := testutil.Return1040(testutil.Individual{SSN: "12345", TaxYear: 2010, OmitIncome: true})
	res, _ := fixedValidator().Validate(doc, "1040", Context{TaxYear: 2010})
	if !res.HasError(CodeMissingElement) || !res.HasError(CodeInvalidSSN) || !res.HasWarning(CodeUnusualTaxYear) {
		t.Fatalf("expected every check to report, got %+v", res)
	}
}

func TestMalformedInputNeverErrors(t *testing.T) {
	v := fixedValidator()
	cases := map[string][]byte{
		"empty":      nil,
		"whitespace": []byte("   \n"),
		"truncated":  []byte(`<?xml version="1.0"?><Return><ReturnHeader>`),
		"mismatched": []byte(`<Return><ReturnHeader></Return>`),
		"text":       []byte("not xml at all"),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := v.Validate(doc, "1040", Context{TaxYear: 2025})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Valid || len(res.Errors) == 0 {
				t.Fatalf("expected invalid result, got %+v", res)
			}
		})
	}
}

func TestUnknownReturnTypeIsAnError(t *testing.T) {
	_, err := fixedValidator().Validate(testutil.ValidReturn1040(2025), "W-2", Context{})
	if !errors.Is(err, ErrUnsupportedReturnType) {
		t.Fatalf("expected ErrUnsupportedReturnType, got %v", err)
	}
}

func TestCorporationRequiresEIN(t *testing.T) {
	v := fixedValidator()
	res, _ := v.Validate(testutil.Return1120("", 2025), "1120", Context{TaxYear: 2025})
	if !res.HasError("MISSING_EIN") {
		t.Fatalf("expected MISSING_EIN, got %+v", res.Errors)
	}

	res, _ = v.Validate(testutil.Return1120(testutil.TestEIN, 2025), "1120", Context{TaxYear: 2025})
	if !res.Valid {
		t.Fatalf("expected valid corporate return, got %+v", res.Errors)
	}

	res, _ = v.Validate(testutil.Return1120("12-34", 2025), "1120", Context{TaxYear: 2025})
	if !res.HasError(CodeInvalidEIN) {
		t.Fatalf("expected INVALID_EIN, got %+v", res.Errors)
	}
}

func TestPartnershipRequiresK1(t *testing.T) {
	v := fixedValidator()
	res, _ := v.Validate(testutil.Return1065(testutil.TestEIN, 2025, 0), "1065", Context{TaxYear: 2025})
	if !res.HasError("MISSING_PARTNER_K1") {
		t.Fatalf("expected MISSING_PARTNER_K1, got %+v", res.Errors)
	}

	res, _ = v.Validate(testutil.Return1065(testutil.TestEIN, 2025, 2), "1065", Context{TaxYear: 2025})
	if !res.Valid {
		t.Fatalf("expected valid partnership return, got %+v", res.Errors)
	}
}

func TestEmploymentRules(t *testing.T) {
	doc := []byte(`<?xml version="1.0"?>
<Return><ReturnHeader><TaxYr>2025</TaxYr><Filer><EIN>900000010</EIN></Filer></ReturnHeader>
<ReturnData><IRS941><NumberOfEmployees>3</NumberOfEmployees></IRS941></ReturnData></Return>`)
	res, _ := fixedValidator().Validate(doc, "941", Context{TaxYear: 2025})
	if !res.HasError("MISSING_QUARTER") || !res.HasError("MISSING_WAGES") {
		t.Fatalf("expected quarter and wages errors, got %+v", res.Errors)
	}
	if res.HasWarning("MISSING_EMPLOYEE_COUNT") {
		t.Fatalf("employee count was supplied")
	}
}

func TestExtensionRules(t *testing.T) {
	doc := []byte(`<?xml version="1.0"?>
<Return><ReturnHeader><TaxYr>2025</TaxYr><Filer><EIN>900000010</EIN></Filer></ReturnHeader></Return>`)
	res, _ := fixedValidator().Validate(doc, "7004", Context{TaxYear: 2025})
	if !res.HasError("MISSING_FORM_CODE") || !res.HasWarning("MISSING_TENTATIVE_TAX") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeterministic(t *testing.T) {
	v := fixedValidator()
	doc := testutil.Return1040(testutil.Individual{SSN: "12-345", TaxYear: 2012})
	first, _ := v.Validate(doc, "1040", Context{TaxYear: 2012})
	second, _ := v.Validate(doc, "1040", Context{TaxYear: 2012})
	if len(first.Errors) != len(second.Errors) || len(first.Warnings) != len(second.Warnings) {
		t.Fatalf("results differ between runs")
	}
	for i := range first.Errors {
		if first.Errors[i] != second.Errors[i] {
			t.Fatalf("error %d differs: %+v vs %+v", i, first.Errors[i], second.Errors[i])
		}
	}
}

func TestSupportedReturnTypes(t *testing.T) {
	types := strings.Join(SupportedReturnTypes(), ",")
	for _, want := range []string{"1040", "1065", "1120", "7004", "941"} {
		if !strings.Contains(types, want) {
			t.Fatalf("missing %s in %s", want, types)
		}
	}
}
