package cli

import (
	"fmt"

	"github.com/RossTaxPrep/efile_layer/internal/harness"
	"github.com/RossTaxPrep/efile_layer/internal/schema"
)

// Suite prints one line per scenario followed by totals.
func (p *Printer) Suite(suite harness.SuiteResult) {
	p.Info("ATS suite %s against %s", suite.ID, suite.Environment)
	for _, res := range suite.Results {
		msg := fmt.Sprintf("%-7s %-40s %8s  %s", res.ID, res.Name, formatDuration(res.Duration), res.Details)
		switch res.Outcome {
		case harness.OutcomePassed:
			p.Success("%s", msg)
		case harness.OutcomeSkipped:
			p.Warning("%s", msg)
		default:
			p.Error("%s", msg)
		}
	}
	summary := fmt.Sprintf("%d passed, %d failed, %d skipped in %s",
		suite.Passed, suite.Failed, suite.Skipped, formatDuration(suite.FinishedAt.Sub(suite.StartedAt)))
	if suite.OK() {
		p.Success("%s", p.Colorize(summary, ColorBold))
	} else {
		p.Error("%s", p.Colorize(summary, ColorBold))
	}
}

// Validation prints every finding of a validation run.
func (p *Printer) Validation(returnType string, res schema.Result) {
	for _, issue := range res.Errors {
		p.Error("%s %s%s", issue.Code, issue.Message, field(issue.Field))
	}
	for _, issue := range res.Warnings {
		p.Warning("%s %s%s", issue.Code, issue.Message, field(issue.Field))
	}
	if res.Valid {
		p.Success("%s return for tax year %d is valid (%d warnings)", returnType, res.TaxYear, len(res.Warnings))
	} else {
		p.Error("%s return has %d errors", returnType, len(res.Errors))
	}
}

func field(path string) string {
	if path == "" {
		return ""
	}
	return " [" + path + "]"
}
