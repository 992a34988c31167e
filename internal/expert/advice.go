package expert

import (
	"strings"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// ValidateFeaturesForRules lists feature flags the expert rules would read
// but the input does not report. The warnings are advisory.
func (e *Engine) ValidateFeaturesForRules(in domain.ClassificationInput) []string {
	organism := strings.ToLower(in.Organism)
	antibiotic := strings.ToLower(in.Antibiotic)

	var warnings []string
	missing := func(key string) bool { return !in.Features.Has(key) }

	if containsAny(organism, Enterobacterales) && missing(domain.FeatureESBL) {
		warnings = append(warnings, "ESBL status not reported for Enterobacterales")
	}
	if containsAny(organism, staphAureus) && !strings.Contains(antibiotic, "cefoxitin") && missing(domain.FeatureMRSA) {
		warnings = append(warnings, "MRSA status not reported for Staphylococcus aureus")
	}
	if containsAny(organism, enterococcus) && strings.Contains(antibiotic, "vancomycin") && missing(domain.FeatureVRE) {
		warnings = append(warnings, "VRE status not reported for Enterococcus vs vancomycin")
	}
	if containsAny(antibiotic, Carbapenems) && missing(domain.FeatureCarbapenemase) {
		warnings = append(warnings, "Carbapenemase status not reported for carbapenem testing")
	}
	return warnings
}
