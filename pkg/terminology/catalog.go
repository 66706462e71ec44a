package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CodeSet names the diagnosis codes that seed a cohort search. Codes may be
// listed explicitly or as a dotted numeric range like "C43.0-C43.9".
type CodeSet struct {
	Display string   `yaml:"display" json:"display"`
	System  string   `yaml:"system" json:"system"`
	Codes   []string `yaml:"codes" json:"codes"`
	Range   string   `yaml:"range" json:"range"`
}

type Catalog struct {
	Sets map[string]CodeSet `yaml:"code_sets" json:"code_sets"`
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Sets) == 0 {
		return Catalog{}, fmt.Errorf("code set catalog empty")
	}
	return cat, nil
}

func (c Catalog) Lookup(name string) (CodeSet, bool) {
	if c.Sets == nil {
		return CodeSet{}, false
	}
	set, ok := c.Sets[strings.ToLower(name)]
	if ok {
		return set, true
	}
	for k, v := range c.Sets {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return CodeSet{}, false
}

// Expand returns the full code list: explicit codes first, then the range
// expansion. A range "C43.0-C43.9" expands over the final numeric segment;
// an unparseable range contributes nothing rather than failing the run.
func (s CodeSet) Expand() []string {
	out := make([]string, 0, len(s.Codes))
	out = append(out, s.Codes...)

	if s.Range == "" {
		return out
	}
	bounds := strings.SplitN(s.Range, "-", 2)
	if len(bounds) != 2 {
		return out
	}
	loPrefix, lo, okLo := splitCode(strings.TrimSpace(bounds[0]))
	hiPrefix, hi, okHi := splitCode(strings.TrimSpace(bounds[1]))
	if !okLo || !okHi || loPrefix != hiPrefix || hi < lo {
		return out
	}
	for i := lo; i <= hi; i++ {
		out = append(out, fmt.Sprintf("%s%d", loPrefix, i))
	}
	return out
}

func splitCode(code string) (prefix string, suffix int, ok bool) {
	idx := strings.LastIndex(code, ".")
	if idx < 0 || idx == len(code)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(code[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return code[:idx+1], n, true
}

func DefaultCatalog() Catalog {
	return Catalog{Sets: map[string]CodeSet{
		"melanoma": {
			Display: "Malignant melanoma of skin",
			System:  "http://fhir.de/CodeSystem/dimdi/icd-10-gm",
			Range:   "C43.0-C43.9",
		},
	}}
}
