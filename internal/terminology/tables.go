// Package terminology holds the static organism and antibiotic code tables
// and validates SNOMED CT organism codes against a terminology server.
package terminology

import (
	"sort"
	"strings"
)

// Code systems.
const (
	SystemSNOMED = "http://snomed.info/sct"
	SystemATC    = "http://www.whocc.no/atc"
	SystemLOINC  = "http://loinc.org"
)

// Organism is a canonical organism name with its SNOMED CT concept id.
type Organism struct {
	Name   string
	SNOMED string
}

// organisms is the offline allow-list of SNOMED CT organism concepts.
var organisms = []Organism{
	{"Escherichia coli", "112283007"},
	{"Klebsiella pneumoniae", "56415008"},
	{"Enterobacter cloacae", "14385002"},
	{"Proteus mirabilis", "73457008"},
	{"Staphylococcus aureus", "3092008"},
	{"Staphylococcus epidermidis", "60875001"},
	{"Streptococcus pneumoniae", "9861002"},
	{"Streptococcus pyogenes", "80166006"},
	{"Enterococcus faecalis", "78065002"},
	{"Enterococcus faecium", "90272000"},
	{"Pseudomonas aeruginosa", "52499004"},
	{"Acinetobacter baumannii", "91288006"},
	{"Haemophilus influenzae", "44470000"},
}

// organismAliases maps lower-case abbreviations to canonical names.
var organismAliases = map[string]string{
	"e. coli":        "Escherichia coli",
	"e.coli":         "Escherichia coli",
	"ecoli":          "Escherichia coli",
	"k. pneumoniae":  "Klebsiella pneumoniae",
	"k.pneumoniae":   "Klebsiella pneumoniae",
	"e. cloacae":     "Enterobacter cloacae",
	"p. mirabilis":   "Proteus mirabilis",
	"s. aureus":      "Staphylococcus aureus",
	"s.aureus":       "Staphylococcus aureus",
	"staph aureus":   "Staphylococcus aureus",
	"s. epidermidis": "Staphylococcus epidermidis",
	"s. pneumoniae":  "Streptococcus pneumoniae",
	"s. pyogenes":    "Streptococcus pyogenes",
	"e. faecalis":    "Enterococcus faecalis",
	"e. faecium":     "Enterococcus faecium",
	"p. aeruginosa":  "Pseudomonas aeruginosa",
	"p.aeruginosa":   "Pseudomonas aeruginosa",
	"a. baumannii":   "Acinetobacter baumannii",
	"h. influenzae":  "Haemophilus influenzae",
}

// antibioticATC maps lower-case antibiotic names to WHO ATC codes.
var antibioticATC = map[string]string{
	"amikacin":                      "J01GB06",
	"amoxicillin":                   "J01CA04",
	"amoxicillin-clavulanate":       "J01CR02",
	"ampicillin":                    "J01CA01",
	"ampicillin-sulbactam":          "J01CR01",
	"aztreonam":                     "J01DF01",
	"benzylpenicillin":              "J01CE01",
	"cefazolin":                     "J01DB04",
	"cefepime":                      "J01DE01",
	"cefotaxime":                    "J01DD01",
	"cefoxitin":                     "J01DC01",
	"ceftazidime":                   "J01DD02",
	"ceftriaxone":                   "J01DD04",
	"cefuroxime":                    "J01DC02",
	"ciprofloxacin":                 "J01MA02",
	"clindamycin":                   "J01FF01",
	"colistin":                      "J01XB01",
	"doxycycline":                   "J01AA02",
	"ertapenem":                     "J01DH03",
	"erythromycin":                  "J01FA01",
	"flucloxacillin":                "J01CF05",
	"fosfomycin":                    "J01XX01",
	"gentamicin":                    "J01GB03",
	"imipenem":                      "J01DH51",
	"levofloxacin":                  "J01MA12",
	"linezolid":                     "J01XX08",
	"meropenem":                     "J01DH02",
	"nitrofurantoin":                "J01XE01",
	"oxacillin":                     "J01CF04",
	"piperacillin-tazobactam":       "J01CR05",
	"teicoplanin":                   "J01XA02",
	"tetracycline":                  "J01AA07",
	"tigecycline":                   "J01AA12",
	"tobramycin":                    "J01GB01",
	"trimethoprim-sulfamethoxazole": "J01EE01",
	"vancomycin":                    "J01XA01",
}

// labCodes maps laboratory antibiotic abbreviations and LOINC
// susceptibility codes to canonical antibiotic names.
var labCodes = map[string]string{
	"AMK": "Amikacin",
	"AMX": "Amoxicillin", "AMOX": "Amoxicillin",
	"AMC": "Amoxicillin-clavulanate",
	"AMP": "Ampicillin", "AM": "Ampicillin",
	"SAM": "Ampicillin-sulbactam",
	"ATM": "Aztreonam",
	"PEN": "Benzylpenicillin",
	"CZO": "Cefazolin",
	"FEP": "Cefepime",
	"CTX": "Cefotaxime",
	"FOX": "Cefoxitin",
	"CAZ": "Ceftazidime",
	"CRO": "Ceftriaxone",
	"CXM": "Cefuroxime",
	"CIP": "Ciprofloxacin",
	"CLI": "Clindamycin", "CC": "Clindamycin",
	"CST": "Colistin",
	"ETP": "Ertapenem",
	"ERY": "Erythromycin",
	"FOS": "Fosfomycin",
	"GEN": "Gentamicin", "GM": "Gentamicin",
	"IPM": "Imipenem",
	"LVX": "Levofloxacin",
	"LZD": "Linezolid",
	"MEM": "Meropenem", "MER": "Meropenem",
	"NIT": "Nitrofurantoin",
	"OXA": "Oxacillin",
	"TZP": "Piperacillin-tazobactam",
	"TEC": "Teicoplanin",
	"TGC": "Tigecycline",
	"TOB": "Tobramycin",
	"SXT": "Trimethoprim-sulfamethoxazole",
	"VAN": "Vancomycin", "VA": "Vancomycin",

	"18864-9": "Ampicillin",
	"18895-3": "Ceftriaxone",
	"18906-8": "Ciprofloxacin",
	"18928-2": "Gentamicin",
	"18943-1": "Meropenem",
	"18961-3": "Oxacillin",
	"19000-9": "Vancomycin",
}

var (
	organismByCode map[string]Organism
	organismByName map[string]Organism

	// antibioticNames is ordered longest first so combination agents match
	// before their components.
	antibioticNames []string
)

func init() {
	organismByCode = make(map[string]Organism, len(organisms))
	organismByName = make(map[string]Organism, len(organisms))
	for _, o := range organisms {
		organismByCode[o.SNOMED] = o
		organismByName[strings.ToLower(o.Name)] = o
	}

	for name := range antibioticATC {
		antibioticNames = append(antibioticNames, name)
	}
	sort.Slice(antibioticNames, func(i, j int) bool {
		if len(antibioticNames[i]) != len(antibioticNames[j]) {
			return len(antibioticNames[i]) > len(antibioticNames[j])
		}
		return antibioticNames[i] < antibioticNames[j]
	})
}

// NormalizeOrganism maps abbreviations and case variants to the canonical
// name. Unknown names are returned trimmed but otherwise unchanged.
func NormalizeOrganism(name string) string {
	trimmed := strings.Join(strings.Fields(name), " ")
	key := strings.ToLower(trimmed)
	if canonical, ok := organismAliases[key]; ok {
		return canonical
	}
	if o, ok := organismByName[key]; ok {
		return o.Name
	}
	return trimmed
}

// OrganismByCode looks up a SNOMED CT concept in the offline table.
func OrganismByCode(code string) (Organism, bool) {
	o, ok := organismByCode[strings.TrimSpace(code)]
	return o, ok
}

// OrganismCode returns the SNOMED CT concept for a canonical organism name.
func OrganismCode(name string) (string, bool) {
	o, ok := organismByName[strings.ToLower(NormalizeOrganism(name))]
	return o.SNOMED, ok
}

// AntibioticCode returns the ATC code for an antibiotic name.
func AntibioticCode(name string) (string, bool) {
	code, ok := antibioticATC[strings.ToLower(strings.TrimSpace(name))]
	return code, ok
}

// AntibioticFromCode resolves a lab abbreviation or LOINC code.
func AntibioticFromCode(code string) (string, bool) {
	name, ok := labCodes[strings.ToUpper(strings.TrimSpace(code))]
	return name, ok
}

// AntibioticFromText finds the longest known antibiotic name contained in
// free text such as "Ciprofloxacin [Susceptibility] by MIC".
func AntibioticFromText(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, name := range antibioticNames {
		if strings.Contains(lower, name) {
			return canonicalAntibiotic(name), true
		}
	}
	return "", false
}

// canonicalAntibiotic capitalizes the first letter: "piperacillin-tazobactam" -> "Piperacillin-tazobactam".
func canonicalAntibiotic(lower string) string {
	if lower == "" {
		return ""
	}
	return strings.ToUpper(lower[:1]) + lower[1:]
}
