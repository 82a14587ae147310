package mef

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var submissionIDPattern = regexp.MustCompile(`^[0-9]{13}[a-z0-9]{7}$`)

// NewSubmissionID builds a 20 character id: the six digit EFIN, the year,
// the ordinal day and seven lowercase alphanumerics.
func NewSubmissionID(efin string, at time.Time) string {
	digits := onlyDigits(efin)
	if len(digits) > 6 {
		digits = digits[len(digits)-6:]
	}
	digits = strings.Repeat("0", 6-len(digits)) + digits
	at = at.UTC()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
	return fmt.Sprintf("%s%04d%03d%s", digits, at.Year(), at.YearDay(), suffix)
}

// ValidSubmissionID reports whether id has the MeF shape.
func ValidSubmissionID(id string) bool {
	return submissionIDPattern.MatchString(id)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
