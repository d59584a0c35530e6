// Package matching holds the preference predicate: the pure decision of
// whether a candidate record should be announced to a subscriber.
//
// The predicate has no dependencies and no side effects so the same code runs
// in the live digest, in the dry-run tool, and in tests.
package matching

import (
	"strings"

	"github.com/worknow/newsletter/internal/domain"
)

// Dimension names a single preference filter.
type Dimension string

const (
	DimCity         Dimension = "city"
	DimCategory     Dimension = "category"
	DimEmployment   Dimension = "employment"
	DimDocumentType Dimension = "documentType"
	DimLanguages    Dimension = "languages"
	DimGender       Dimension = "gender"
	DimDemanded     Dimension = "onlyDemanded"
)

// Matches reports whether c satisfies every dimension of p. Empty sets and an
// unset gender impose no constraint; onlyDemanded=false imposes none either.
func Matches(c domain.Candidate, p domain.Preferences) bool {
	return len(Explain(c, p)) == 0
}

// Explain returns the dimensions on which c fails p, in a fixed order. A nil
// result means the candidate matches.
func Explain(c domain.Candidate, p domain.Preferences) []Dimension {
	var failed []Dimension
	if !p.Cities.Empty() && !p.Cities.Contains(c.City) {
		failed = append(failed, DimCity)
	}
	if !p.Categories.Empty() && !p.Categories.Contains(c.Category) {
		failed = append(failed, DimCategory)
	}
	if !p.EmploymentTypes.Empty() && !p.EmploymentTypes.Contains(c.Employment) {
		failed = append(failed, DimEmployment)
	}
	if !p.DocumentTypes.Empty() && !p.DocumentTypes.Contains(c.DocumentType) {
		failed = append(failed, DimDocumentType)
	}
	// At least one shared language, not all of them.
	if !p.Languages.Empty() && !p.Languages.Intersects(c.Languages) {
		failed = append(failed, DimLanguages)
	}
	if p.Gender != domain.GenderUnset && !strings.EqualFold(string(p.Gender), strings.TrimSpace(string(c.Gender))) {
		failed = append(failed, DimGender)
	}
	if p.OnlyDemanded && !c.IsDemanded {
		failed = append(failed, DimDemanded)
	}
	return failed
}
