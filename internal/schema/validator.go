// Package schema validates MeF return documents against structural and
// form-specific business rules before anything is sent to the IRS.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrUnsupportedReturnType is returned for return types with no rule set.
var ErrUnsupportedReturnType = errors.New("unsupported return type")

// Issue codes.
const (
	CodeEmptyDocument       = "EMPTY_DOCUMENT"
	CodeMalformedDocument   = "MALFORMED_DOCUMENT"
	CodeMissingDeclaration  = "MISSING_XML_DECLARATION"
	CodeMissingElement      = "MISSING_ELEMENT"
	CodeInvalidSSN          = "INVALID_SSN"
	CodeInvalidEIN          = "INVALID_EIN"
	CodeUnusualTaxYear      = "UNUSUAL_TAX_YEAR"
	CodeTaxYearMismatch     = "TAX_YEAR_MISMATCH"
	CodeTestSSNInProduction = "TEST_SSN_IN_PRODUCTION"
)

// Issue is one validation finding.
type Issue struct {
	Code    string
	Message string
	Field   string
}

// Result is the outcome of a validation run. Errors block transmission;
// warnings do not. TaxYear is the year the rules were evaluated against.
type Result struct {
	Valid    bool
	TaxYear  int
	Errors   []Issue
	Warnings []Issue
}

// HasError reports whether an error with code was produced.
func (r Result) HasError(code string) bool {
	for _, i := range r.Errors {
		if i.Code == code {
			return true
		}
	}
	return false
}

// HasWarning reports whether a warning with code was produced.
func (r Result) HasWarning(code string) bool {
	for _, i := range r.Warnings {
		if i.Code == code {
			return true
		}
	}
	return false
}

// Context carries the filing parameters the rules depend on.
type Context struct {
	TaxYear     int
	Environment string
}

func (c Context) production() bool {
	return strings.EqualFold(c.Environment, "PRODUCTION")
}

// Validator runs the rule set. It is stateless apart from its clock and is
// safe for concurrent use.
type Validator struct {
	now    func() time.Time
	window int
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock fixes the clock used to derive the current tax year.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithTaxYearWindow sets how many prior years are considered usual.
func WithTaxYearWindow(years int) Option {
	return func(v *Validator) {
		if years >= 0 {
			v.window = years
		}
	}
}

// New creates a validator. The default window accepts the current year and
// the five before it.
func New(opts ...Option) *Validator {
	v := &Validator{now: time.Now, window: 5}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SupportedReturnTypes lists the return types with a rule set.
func SupportedReturnTypes() []string {
	out := make([]string, 0, len(families))
	for rt := range families {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

// Validate checks doc for returnType. Every applicable check runs so a single
// call reports every problem. Bad input never produces an error; only an
// unknown returnType does.
func (v *Validator) Validate(doc []byte, returnType string, vctx Context) (Result, error) {
	rt := strings.ToUpper(strings.TrimSpace(returnType))
	fam, ok := families[rt]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedReturnType, returnType)
	}

	c := &collector{}
	if len(strings.TrimSpace(string(doc))) == 0 {
		c.fail(CodeEmptyDocument, "return document is empty", "")
		return c.result(), nil
	}

	root, declared, err := parseDocument(doc)
	if err != nil {
		c.fail(CodeMalformedDocument, "return document is not well-formed XML: "+err.Error(), "")
		return c.result(), nil
	}
	if !declared {
		c.warn(CodeMissingDeclaration, "XML declaration is missing", "")
	}

	d := &document{root: root, returnType: rt, family: fam}
	checkRequiredSections(d, c)
	checkIdentifiers(d, c)
	v.checkTaxYear(d, vctx, c)
	checkFormRules(d, c)
	checkEnvironment(d, vctx, c)

	return c.result(), nil
}

type document struct {
	root       *element
	returnType string
	family     family
}

type collector struct {
	errors   []Issue
	warnings []Issue
	taxYear  int
}

func (c *collector) fail(code, msg, field string) {
	c.errors = append(c.errors, Issue{Code: code, Message: msg, Field: field})
}

func (c *collector) warn(code, msg, field string) {
	c.warnings = append(c.warnings, Issue{Code: code, Message: msg, Field: field})
}

func (c *collector) result() Result {
	res := Result{
		Valid:    len(c.errors) == 0,
		TaxYear:  c.taxYear,
		Errors:   c.errors,
		Warnings: c.warnings,
	}
	if res.Errors == nil {
		res.Errors = []Issue{}
	}
	if res.Warnings == nil {
		res.Warnings = []Issue{}
	}
	return res
}
