package compliance

import (
	"strings"
	"time"
)

// highRiskNationalities are jurisdictions that add to the base risk score.
var highRiskNationalities = map[string]bool{
	"AF": true,
	"IR": true,
	"KP": true,
	"MM": true,
	"SY": true,
	"YE": true,
}

// riskyBusinessKeywords flag business types that add to the base score.
var riskyBusinessKeywords = []string{
	"crypto",
	"gambling",
	"casino",
	"forex",
	"adult",
	"weapons",
}

// requiredDocuments lists the document types a tier must submit.
func requiredDocuments(tier string) []string {
	docs := []string{"id_document", "proof_of_address"}
	if tier == TierBusiness {
		docs = append(docs, "business_registration")
	}
	return docs
}

// riskScore computes the deterministic applicant risk score: base 50, +30
// for a high-risk nationality, +25 for a risky business type, +10 per
// missing required document type, +10 for an applicant age outside
// [21, 70], clamped to [0, 100].
func riskScore(info PersonalInfo, tier string, docs []DocumentMeta, now time.Time) int {
	score := 50

	if highRiskNationalities[strings.ToUpper(info.Nationality)] {
		score += 30
	}

	business := strings.ToLower(info.BusinessType)
	for _, kw := range riskyBusinessKeywords {
		if strings.Contains(business, kw) {
			score += 25
			break
		}
	}

	submitted := make(map[string]bool, len(docs))
	for _, d := range docs {
		submitted[strings.ToLower(d.Type)] = true
	}
	for _, required := range requiredDocuments(tier) {
		if !submitted[required] {
			score += 10
		}
	}

	if !info.BirthDate.IsZero() {
		age := yearsBetween(info.BirthDate, now)
		if age < 21 || age > 70 {
			score += 10
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func yearsBetween(from, to time.Time) int {
	years := to.Year() - from.Year()
	if to.YearDay() < from.YearDay() {
		years--
	}
	return years
}
