package expert

import "github.com/opensource-finance/amrclass/internal/domain"

// Priorities of the built-in catalog. Lower runs first.
const (
	PriorityCefoxitinScreen  = 80
	PriorityDTest            = 85
	PriorityMechanism        = 90
	PriorityCarbapenemaseVRE = 95
	PriorityIntrinsic        = 100
)

// Organism pattern groups, matched as lower-case substrings.
var (
	Enterobacterales = []string{
		"enterobacterales", "escherichia", "klebsiella", "enterobacter", "citrobacter",
		"proteus", "serratia", "salmonella", "shigella", "morganella", "providencia",
	}

	staphAureus     = []string{"staphylococcus aureus"}
	enterococcus    = []string{"enterococcus"}
	gramNegativeCPE = append(append([]string(nil), Enterobacterales...), "pseudomonas", "acinetobacter")

	// Carbapenems is the antibiotic group checked for carbapenemase reporting.
	Carbapenems = []string{"meropenem", "imipenem", "ertapenem", "doripenem"}
)

// BuiltinRules returns a fresh copy of the default expert rule catalog.
func BuiltinRules() []domain.ExpertRule {
	return []domain.ExpertRule{
		{
			ID:                 "cefoxitin-screen",
			Name:               "Cefoxitin screen",
			OrganismPatterns:   staphAureus,
			AntibioticPatterns: []string{"cefoxitin"},
			Conditions:         []domain.Condition{domain.MethodIs(domain.MethodDisc), domain.DiscAtMost(21)},
			Action:             domain.DecisionReview,
			Priority:           PriorityCefoxitinScreen,
			Note:               "Cefoxitin screen zone <= 21 mm suggests methicillin resistance; confirm mecA or PBP2a",
		},
		{
			ID:                 "inducible-clindamycin",
			Name:               "Inducible clindamycin resistance",
			OrganismPatterns:   []string{"staphylococcus", "streptococcus"},
			AntibioticPatterns: []string{"clindamycin"},
			Conditions:         []domain.Condition{domain.FeatureIs(domain.FeatureDTestPositive, true)},
			Action:             domain.DecisionResistant,
			Priority:           PriorityDTest,
			Note:               "Positive D-test: inducible clindamycin resistance",
		},
		{
			ID:               "esbl",
			Name:             "ESBL producer",
			OrganismPatterns: Enterobacterales,
			AntibioticPatterns: []string{
				"ampicillin", "amoxicillin", "piperacillin", "cefuroxime", "cefotaxime",
				"ceftriaxone", "ceftazidime", "cefepime", "cefpodoxime", "cefixime", "aztreonam",
			},
			Conditions: []domain.Condition{domain.FeatureIs(domain.FeatureESBL, true)},
			Action:     domain.DecisionResistant,
			Priority:   PriorityMechanism,
			Note:       "ESBL producer: resistant to penicillins and third-generation cephalosporins",
		},
		{
			ID:               "mrsa",
			Name:             "MRSA",
			OrganismPatterns: staphAureus,
			AntibioticPatterns: []string{
				"oxacillin", "flucloxacillin", "cloxacillin", "methicillin", "penicillin",
				"ampicillin", "amoxicillin", "cefazolin", "cefuroxime", "ceftriaxone",
				"cefotaxime", "cefoxitin", "imipenem", "meropenem",
			},
			Conditions: []domain.Condition{domain.FeatureIs(domain.FeatureMRSA, true)},
			Action:     domain.DecisionResistant,
			Priority:   PriorityMechanism,
			Note:       "MRSA: resistant to beta-lactam agents",
		},
		{
			ID:                 "carbapenemase",
			Name:               "Carbapenemase producer",
			OrganismPatterns:   gramNegativeCPE,
			AntibioticPatterns: Carbapenems,
			Conditions:         []domain.Condition{domain.FeatureIs(domain.FeatureCarbapenemase, true)},
			Action:             domain.DecisionResistant,
			Priority:           PriorityCarbapenemaseVRE,
			Note:               "Carbapenemase producer: resistant to carbapenems",
		},
		{
			ID:                 "vre",
			Name:               "VRE",
			OrganismPatterns:   enterococcus,
			AntibioticPatterns: []string{"vancomycin", "teicoplanin"},
			Conditions:         []domain.Condition{domain.FeatureIs(domain.FeatureVRE, true)},
			Action:             domain.DecisionResistant,
			Priority:           PriorityCarbapenemaseVRE,
			Note:               "Vancomycin-resistant Enterococcus: resistant to glycopeptides",
		},
		{
			ID:               "intrinsic-pseudomonas-aeruginosa",
			Name:             "Intrinsic resistance: Pseudomonas aeruginosa",
			OrganismPatterns: []string{"pseudomonas aeruginosa"},
			AntibioticPatterns: []string{
				"ampicillin", "amoxicillin", "cefazolin", "cefuroxime", "cefotaxime",
				"ceftriaxone", "cefoxitin", "ertapenem", "tetracycline", "tigecycline",
				"trimethoprim", "chloramphenicol", "kanamycin",
			},
			Action:   domain.DecisionResistant,
			Priority: PriorityIntrinsic,
			Note:     "Intrinsic resistance: Pseudomonas aeruginosa",
		},
		{
			ID:               "intrinsic-enterococcus",
			Name:             "Intrinsic resistance: Enterococcus",
			OrganismPatterns: enterococcus,
			AntibioticPatterns: []string{
				"cefazolin", "cefuroxime", "cefotaxime", "ceftriaxone", "ceftazidime",
				"cefepime", "cefoxitin", "aztreonam", "clindamycin", "fusidic", "colistin",
			},
			Action:   domain.DecisionResistant,
			Priority: PriorityIntrinsic,
			Note:     "Intrinsic resistance: Enterococcus",
		},
		{
			ID:               "intrinsic-acinetobacter",
			Name:             "Intrinsic resistance: Acinetobacter",
			OrganismPatterns: []string{"acinetobacter"},
			AntibioticPatterns: []string{
				"amoxicillin", "cefazolin", "cefoxitin", "aztreonam", "ertapenem", "fosfomycin",
			},
			Action:   domain.DecisionResistant,
			Priority: PriorityIntrinsic,
			Note:     "Intrinsic resistance: Acinetobacter",
		},
	}
}
