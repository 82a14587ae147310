// Package testutil provides sample MeF return documents built from the ATS
// synthetic identifiers. Nothing here contains real taxpayer data.
package testutil

import (
	"fmt"
	"strings"
)

// ATS test identifiers.
const (
	TestSSNPrimary = "900000001"
	TestSSNSecond  = "900000002"
	TestSSNThird   = "900000003"
	TestEIN        = "900000010"
)

// Individual describes a synthetic Form 1040.
type Individual struct {
	SSN          string
	SpouseSSN    string
	TaxYear      int
	FilingStatus string
	FirstName    string
	LastName     string
	TotalIncome  int
	OmitIncome   bool
}

// Return1040 renders a 1040 document. Empty FilingStatus omits the element.
func Return1040(in Individual) []byte {
	if in.FirstName == "" {
		in.FirstName = "TEST"
	}
	if in.LastName == "" {
		in.LastName = "TAXPAYER"
	}
	if in.TotalIncome == 0 {
		in.TotalIncome = 50000
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&b, `<Return xmlns="http://www.irs.gov/efile" returnVersion="%dv1.0">`+"\n", in.TaxYear)
	b.WriteString("  <ReturnHeader>\n")
	fmt.Fprintf(&b, "    <TaxYr>%d</TaxYr>\n", in.TaxYear)
	b.WriteString("    <ReturnTypeCd>1040</ReturnTypeCd>\n")
	b.WriteString("    <Filer>\n")
	fmt.Fprintf(&b, "      <PrimarySSN>%s</PrimarySSN>\n", in.SSN)
	if in.SpouseSSN != "" {
		fmt.Fprintf(&b, "      <SpouseSSN>%s</SpouseSSN>\n", in.SpouseSSN)
	}
	fmt.Fprintf(&b, "      <Name><FirstName>%s</FirstName><LastName>%s</LastName></Name>\n", in.FirstName, in.LastName)
	b.WriteString("      <Address><AddressLine1>123 TEST STREET</AddressLine1><City>ANYTOWN</City><State>VA</State><ZIPCode>22030</ZIPCode></Address>\n")
	b.WriteString("    </Filer>\n")
	if in.FilingStatus != "" {
		fmt.Fprintf(&b, "    <FilingStatus>%s</FilingStatus>\n", in.FilingStatus)
	}
	b.WriteString("  </ReturnHeader>\n")
	b.WriteString("  <ReturnData>\n")
	if !in.OmitIncome {
		b.WriteString("    <IRS1040>\n")
		fmt.Fprintf(&b, "      <TotalIncome>%d</TotalIncome>\n", in.TotalIncome)
		fmt.Fprintf(&b, "      <AdjustedGrossIncome>%d</AdjustedGrossIncome>\n", in.TotalIncome)
		b.WriteString("      <TotalTax>4500</TotalTax>\n")
		b.WriteString("    </IRS1040>\n")
	}
	b.WriteString("  </ReturnData>\n")
	b.WriteString("</Return>\n")
	return []byte(b.String())
}

// ValidReturn1040 is the happy-path ATS return for taxYear.
func ValidReturn1040(taxYear int) []byte {
	return Return1040(Individual{SSN: TestSSNPrimary, TaxYear: taxYear, FilingStatus: "Single"})
}

// Return1040InvalidSSN carries a malformed primary identifier.
func Return1040InvalidSSN(taxYear int) []byte {
	return Return1040(Individual{SSN: "12345", TaxYear: taxYear, FilingStatus: "Single"})
}

// Return1040MissingFilingStatus omits the filing status element.
func Return1040MissingFilingStatus(taxYear int) []byte {
	return Return1040(Individual{SSN: TestSSNSecond, TaxYear: taxYear})
}

// Return1120 renders a corporate return. Empty ein omits the EIN element.
func Return1120(ein string, taxYear int) []byte {
	einElement := ""
	if ein != "" {
		einElement = fmt.Sprintf("<EIN>%s</EIN>", ein)
	}
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Return xmlns="http://www.irs.gov/efile">
  <ReturnHeader>
    <TaxYr>%d</TaxYr>
    <TaxPeriodEndDt>%d-12-31</TaxPeriodEndDt>
    <Filer>%s<BusinessName><BusinessNameLine1Txt>TEST CORP</BusinessNameLine1Txt></BusinessName></Filer>
  </ReturnHeader>
  <ReturnData><IRS1120><TotalIncomeAmt>250000</TotalIncomeAmt></IRS1120></ReturnData>
</Return>
`, taxYear, taxYear, einElement))
}

// Return1065 renders a partnership return with partners K-1 schedules.
func Return1065(ein string, taxYear, partners int) []byte {
	var k1 strings.Builder
	for i := 0; i < partners; i++ {
		fmt.Fprintf(&k1, "<IRS1065ScheduleK1><PartnerSSN>90000002%d</PartnerSSN></IRS1065ScheduleK1>", i)
	}
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Return xmlns="http://www.irs.gov/efile">
  <ReturnHeader>
    <TaxYr>%d</TaxYr>
    <Filer><EIN>%s</EIN><BusinessName><BusinessNameLine1Txt>TEST PARTNERS</BusinessNameLine1Txt></BusinessName></Filer>
  </ReturnHeader>
  <ReturnData><IRS1065><TotalIncomeAmt>90000</TotalIncomeAmt></IRS1065>%s</ReturnData>
</Return>
`, taxYear, ein, k1.String()))
}
