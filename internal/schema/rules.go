package schema

import (
	"fmt"
	"strconv"
	"strings"
)

type family int

const (
	familyIndividual family = iota
	familyCorporation
	familyPartnership
	familyFiduciary
	familyExtension
	familyEmployment
)

var families = map[string]family{
	"1040":    familyIndividual,
	"1040-SR": familyIndividual,
	"1040-NR": familyIndividual,
	"1040-X":  familyIndividual,
	"1120":    familyCorporation,
	"1120-S":  familyCorporation,
	"1120-H":  familyCorporation,
	"1065":    familyPartnership,
	"1041":    familyFiduciary,
	"7004":    familyExtension,
	"940":     familyEmployment,
	"941":     familyEmployment,
	"943":     familyEmployment,
	"944":     familyEmployment,
	"945":     familyEmployment,
}

var (
	ssnFields = []string{"PrimarySSN", "SpouseSSN", "TaxpayerSSN"}
	einFields = []string{"EIN", "EmployerIdentificationNumber"}
)

func missing(c *collector, path string) {
	c.fail(CodeMissingElement, "missing required element: "+path, path)
}

func checkRequiredSections(d *document, c *collector) {
	root := d.root
	header := root.find("ReturnHeader")
	if header == nil {
		missing(c, "ReturnHeader")
	}
	if root.first("ReturnHeader/Filer", "Filer") == nil {
		missing(c, "ReturnHeader/Filer")
	}

	data := root.find("ReturnData")
	switch d.family {
	case familyIndividual:
		if root.find("Filer/PrimarySSN") == nil {
			missing(c, "Filer/PrimarySSN")
		}
		if root.find("Filer/Name") == nil {
			missing(c, "Filer/Name")
		}
		if root.first("FilingStatus", "FilingStatusCd") == nil {
			missing(c, "FilingStatus")
		}
		if data == nil {
			missing(c, "ReturnData")
		} else if len(data.children) == 0 {
			missing(c, "ReturnData income section")
		}
	case familyExtension:
		// Form 7004 carries its data in the header.
	default:
		if data == nil {
			missing(c, "ReturnData")
		} else if len(data.children) == 0 {
			missing(c, "ReturnData form section")
		}
	}
}

// digits strips the separators preparers commonly type into identifiers.
func digits(raw string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, raw)
}

func nineDigits(v string) bool {
	if len(v) != 9 {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func checkIdentifiers(d *document, c *collector) {
	for _, name := range ssnFields {
		for _, el := range d.root.descendants(name) {
			v := digits(el.value())
			switch {
			case !nineDigits(v):
				c.fail(CodeInvalidSSN, fmt.Sprintf("%s must be exactly 9 digits", name), name)
			case v == "000000000":
				c.fail(CodeInvalidSSN, fmt.Sprintf("%s cannot be all zeros", name), name)
			}
		}
	}
	for _, name := range einFields {
		for _, el := range d.root.descendants(name) {
			if !nineDigits(digits(el.value())) {
				c.fail(CodeInvalidEIN, fmt.Sprintf("%s must be exactly 9 digits", name), name)
			}
		}
	}
}

func (v *Validator) checkTaxYear(d *document, vctx Context, c *collector) {
	docYear := 0
	if el := d.root.first("ReturnHeader/TaxYr", "TaxYr", "TaxYear"); el != nil {
		if y, err := strconv.Atoi(el.value()); err == nil {
			docYear = y
		} else {
			c.fail(CodeMissingElement, "TaxYr must be a four digit year", "TaxYr")
		}
	}

	year := vctx.TaxYear
	if year == 0 {
		year = docYear
	}
	if year == 0 {
		missing(c, "ReturnHeader/TaxYr")
		return
	}
	c.taxYear = year
	if docYear != 0 && vctx.TaxYear != 0 && docYear != vctx.TaxYear {
		c.fail(CodeTaxYearMismatch, fmt.Sprintf("document tax year %d does not match requested tax year %d", docYear, vctx.TaxYear), "TaxYr")
	}

	current := v.now().Year()
	oldest := current - v.window
	if year < oldest || year > current {
		c.warn(CodeUnusualTaxYear, fmt.Sprintf("tax year %d is outside the expected range %d-%d", year, oldest, current), "TaxYr")
	}
}

func checkFormRules(d *document, c *collector) {
	root := d.root
	hasEIN := root.first(einFields...) != nil

	switch d.family {
	case familyIndividual:
		for _, name := range ssnFields {
			for _, el := range root.descendants(name) {
				v := digits(el.value())
				if nineDigits(v) && v != "000000000" && strings.Count(v, v[:1]) == len(v) {
					c.fail(CodeInvalidSSN, fmt.Sprintf("%s cannot be a single repeated digit", name), name)
				}
			}
		}

	case familyCorporation:
		if !hasEIN {
			c.fail("MISSING_EIN", "corporation returns require an EIN", "EIN")
		}
		if root.first("BusinessName", "BusinessNameLine1Txt", "BusinessNameLine1") == nil {
			c.fail("MISSING_BUSINESS_NAME", "business name is missing", "BusinessName")
		}
		if d.returnType != "1120-H" && root.first("TaxPeriodEndDt", "TaxPeriodEndDate") == nil {
			c.fail("MISSING_TAX_PERIOD_END", "tax period end date is missing", "TaxPeriodEndDt")
		}
		if d.returnType == "1120-S" && root.first("SElectionEffectiveDt", "InitialReturn", "InitialReturnInd") == nil {
			c.warn("MISSING_S_ELECTION", "S election effective date or initial return indicator recommended", "SElectionEffectiveDt")
		}

	case familyPartnership:
		if !hasEIN {
			c.fail("MISSING_EIN", "partnership returns require an EIN", "EIN")
		}
		if partnerK1Count(root) < 1 {
			c.fail("MISSING_PARTNER_K1", "partnership returns require at least one partner Schedule K-1", "IRS1065ScheduleK1")
		}

	case familyFiduciary:
		if !hasEIN {
			c.fail("MISSING_EIN", "estate and trust returns require an EIN", "EIN")
		}
		entity := root.anyMatch(func(e *element) bool {
			switch e.name {
			case "TypeOfEntity", "TypeOfEntityCd", "DecedentEstate", "DecedentEstateInd", "SimpleTrust", "SimpleTrustInd", "ComplexTrust", "ComplexTrustInd":
				return true
			}
			return false
		})
		if !entity {
			c.fail("MISSING_ENTITY_TYPE", "estate or trust entity type is missing", "TypeOfEntity")
		}

	case familyExtension:
		if root.first("FormCode", "ExtensionFormCd", "FormCd") == nil {
			c.fail("MISSING_FORM_CODE", "form code for the extended return is missing", "FormCode")
		}
		if !root.anyMatch(func(e *element) bool {
			return strings.HasPrefix(e.name, "TentativeTax") || strings.HasPrefix(e.name, "TotalTax")
		}) {
			c.warn("MISSING_TENTATIVE_TAX", "tentative tax amount not specified", "TentativeTaxAmt")
		}

	case familyEmployment:
		if !hasEIN {
			c.fail("MISSING_EIN", "employment returns require an EIN", "EIN")
		}
		if d.returnType == "941" || d.returnType == "943" {
			if !root.anyMatch(func(e *element) bool {
				return strings.HasPrefix(e.name, "Quarter") || strings.HasPrefix(e.name, "Qtr")
			}) {
				c.fail("MISSING_QUARTER", "quarter indicator is missing", "QuarterEndingDt")
			}
		}
		if !root.anyMatch(func(e *element) bool { return strings.Contains(e.name, "Wages") }) {
			c.fail("MISSING_WAGES", "total wages amount is missing", "WagesAmt")
		}
		if d.returnType == "941" || d.returnType == "944" {
			if root.first("NumberOfEmployees", "EmployeeCnt") == nil {
				c.warn("MISSING_EMPLOYEE_COUNT", "number of employees not specified", "EmployeeCnt")
			}
		}
	}
}

// partnerK1Count counts attached K-1 schedules, honouring an explicit count
// element when the return carries one.
func partnerK1Count(root *element) int {
	n := root.count(func(e *element) bool {
		if e.name == "PartnerInformation" {
			return true
		}
		return strings.HasSuffix(e.name, "K1") && (strings.HasPrefix(e.name, "IRS") || strings.HasPrefix(e.name, "Schedule"))
	})
	if el := root.first("ScheduleK1Cnt", "PartnerK1Cnt"); el != nil {
		if declared, err := strconv.Atoi(el.value()); err == nil && declared > n {
			n = declared
		}
	}
	return n
}

// checkEnvironment rejects ATS test identifiers aimed at production.
func checkEnvironment(d *document, vctx Context, c *collector) {
	if !vctx.production() {
		return
	}
	for _, name := range ssnFields {
		for _, el := range d.root.descendants(name) {
			v := digits(el.value())
			if nineDigits(v) && strings.HasPrefix(v, "9") {
				c.fail(CodeTestSSNInProduction, fmt.Sprintf("%s is an ATS test identifier and cannot be sent to production", name), name)
			}
		}
	}
}
