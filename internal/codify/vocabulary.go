package codify

import (
	"regexp"
	"sort"
	"strings"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
)

// Aliases map common shorthand to canonical catalog values. An alias is only
// active when its canonical value exists in the catalog.
var (
	brandAliases = map[string]string{
		"vw":       "volkswagen",
		"volks":    "volkswagen",
		"chevy":    "chevrolet",
		"mercedes": "mercedes benz",
		"mb":       "mercedes benz",
		"alfa":     "alfa romeo",
	}
	vehicleTypeAliases = map[string]string{
		"pickup":    "camioneta",
		"pick up":   "camioneta",
		"suv":       "camioneta",
		"moto":      "motocicleta",
		"motoneta":  "motocicleta",
		"automovil": "auto",
		"coche":     "auto",
		"carro":     "auto",
	}
	segmentAliases = map[string]string{
		"pickup": "pick up",
		"hatch":  "hatchback",
		"hb":     "hatchback",
	}
)

// hint infers a value from an indicator pattern in the description.
type hint struct {
	pattern *regexp.Regexp
	value   string
}

func phraseHint(phrase, value string) hint {
	return hint{pattern: regexp.MustCompile(`(^| )` + regexp.QuoteMeta(phrase) + `( |$)`), value: value}
}

var (
	vehicleTypeHints = []hint{
		phraseHint("doble cabina", "camioneta"),
		phraseHint("cabina sencilla", "camioneta"),
		phraseHint("pick up", "camioneta"),
		phraseHint("4x4", "camioneta"),
		phraseHint("moto", "motocicleta"),
		{pattern: regexp.MustCompile(`(^| )\d{2,4} ?cc( |$)`), value: "motocicleta"},
	}
	segmentHints = []hint{
		phraseHint("doble cabina", "pick up"),
		phraseHint("cabina sencilla", "pick up"),
		phraseHint("pick up", "pick up"),
		phraseHint("hatchback", "hatchback"),
		phraseHint("sedan", "sedan"),
	}
)

// term is one searchable surface form of a vocabulary value.
type term struct {
	text      string
	canonical string
	brand     string
}

// Vocabulary is the searchable attribute vocabulary of one catalog version.
// It is read-only after construction.
type Vocabulary struct {
	brands         []term
	submodels      map[string][]term
	allSubmodels   []term
	vehicleTypes   []term
	segments       []term
	profiles       map[catalog.SubmodelKey]catalog.Profile
	submodelBrands map[string][]string

	brandIndex    map[string]string
	typeIndex     map[string]string
	segmentIndex  map[string]string
	submodelIndex map[string]map[string]string
}

// NewVocabulary builds the vocabulary from catalog facets and the alias table.
func NewVocabulary(f catalog.Facets) *Vocabulary {
	v := &Vocabulary{
		submodels:      make(map[string][]term, len(f.SubmodelsByBrand)),
		profiles:       f.Profiles,
		submodelBrands: make(map[string][]string),
		submodelIndex:  make(map[string]map[string]string, len(f.SubmodelsByBrand)),
	}
	v.brands, v.brandIndex = buildTerms(f.Brands, brandAliases)
	v.vehicleTypes, v.typeIndex = buildTerms(f.VehicleTypes, vehicleTypeAliases)
	v.segments, v.segmentIndex = buildTerms(f.Segments, segmentAliases)

	for brand, subs := range f.SubmodelsByBrand {
		terms, index := buildTerms(subs, nil)
		for i := range terms {
			terms[i].brand = brand
		}
		v.submodels[brand] = terms
		v.submodelIndex[brand] = index
		v.allSubmodels = append(v.allSubmodels, terms...)
		for _, s := range subs {
			v.submodelBrands[s] = append(v.submodelBrands[s], brand)
		}
	}
	sortTerms(v.allSubmodels)
	for s := range v.submodelBrands {
		sort.Strings(v.submodelBrands[s])
	}
	return v
}

func buildTerms(values []string, aliases map[string]string) ([]term, map[string]string) {
	index := make(map[string]string, len(values)+len(aliases))
	terms := make([]term, 0, len(values)+len(aliases))
	for _, val := range values {
		if val == "" {
			continue
		}
		index[val] = val
		terms = append(terms, term{text: val, canonical: val})
	}
	for alias, canonical := range aliases {
		if _, ok := index[canonical]; !ok {
			continue
		}
		if _, taken := index[alias]; taken {
			continue
		}
		index[alias] = canonical
		terms = append(terms, term{text: alias, canonical: canonical})
	}
	sortTerms(terms)
	return terms, index
}

// sortTerms orders longest first so "mercedes benz" wins over "mercedes".
func sortTerms(terms []term) {
	sort.Slice(terms, func(i, j int) bool {
		li, lj := len([]rune(terms[i].text)), len([]rune(terms[j].text))
		if li != lj {
			return li > lj
		}
		if terms[i].text != terms[j].text {
			return terms[i].text < terms[j].text
		}
		return terms[i].brand < terms[j].brand
	})
}

// Empty reports whether the vocabulary has no brands at all.
func (v *Vocabulary) Empty() bool {
	return len(v.brands) == 0
}

// Brands returns the canonical brands.
func (v *Vocabulary) Brands() []string {
	return canonicalValues(v.brands)
}

// VehicleTypes returns the canonical vehicle types.
func (v *Vocabulary) VehicleTypes() []string {
	return canonicalValues(v.vehicleTypes)
}

// Segments returns the canonical segments.
func (v *Vocabulary) Segments() []string {
	return canonicalValues(v.segments)
}

// CanonicalBrand resolves a folded brand or alias.
func (v *Vocabulary) CanonicalBrand(s string) (string, bool) {
	c, ok := v.brandIndex[s]
	return c, ok
}

// CanonicalVehicleType resolves a folded vehicle type or alias.
func (v *Vocabulary) CanonicalVehicleType(s string) (string, bool) {
	c, ok := v.typeIndex[s]
	return c, ok
}

// CanonicalSegment resolves a folded segment or alias.
func (v *Vocabulary) CanonicalSegment(s string) (string, bool) {
	c, ok := v.segmentIndex[s]
	return c, ok
}

// CanonicalSubmodel resolves a folded submodel. With an empty brand the
// submodel must belong to exactly one brand, which is returned alongside.
func (v *Vocabulary) CanonicalSubmodel(brand, s string) (submodel, owner string, ok bool) {
	if brand != "" {
		c, found := v.submodelIndex[brand][s]
		return c, brand, found
	}
	brands := v.submodelBrands[s]
	if len(brands) != 1 {
		return "", "", false
	}
	return s, brands[0], true
}

// Profile returns the dominant type and segment of a submodel.
func (v *Vocabulary) Profile(brand, submodel string) (catalog.Profile, bool) {
	p, ok := v.profiles[catalog.SubmodelKey{Brand: brand, Submodel: submodel}]
	return p, ok
}

func (v *Vocabulary) termsFor(attr Attribute, brand string) []term {
	switch attr {
	case AttrBrand:
		return v.brands
	case AttrSubmodel:
		if brand != "" {
			return v.submodels[brand]
		}
		return v.allSubmodels
	case AttrVehicleType:
		return v.vehicleTypes
	case AttrSegment:
		return v.segments
	}
	return nil
}

func (v *Vocabulary) hintsFor(attr Attribute) ([]hint, map[string]string) {
	switch attr {
	case AttrVehicleType:
		return vehicleTypeHints, v.typeIndex
	case AttrSegment:
		return segmentHints, v.segmentIndex
	}
	return nil, nil
}

func canonicalValues(terms []term) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t.canonical]; ok {
			continue
		}
		seen[t.canonical] = struct{}{}
		out = append(out, t.canonical)
	}
	sort.Strings(out)
	return out
}

// containsPhrase reports whether phrase occurs in text on token boundaries.
// Both are expected to be folded.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}
