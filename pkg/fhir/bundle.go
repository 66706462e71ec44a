package fhir

import (
	"strconv"
	"strings"
)

// Resource is a raw FHIR resource as decoded JSON. The extraction layer
// reads it through dotted paths instead of per-type structs.
type Resource map[string]interface{}

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string   `json:"fullUrl,omitempty"`
	Resource Resource `json:"resource"`
}

// NextURL returns the bundle's next-page link, or "" on the last page.
func (b *Bundle) NextURL() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Resources collects the entry resources of the bundle.
func (b *Bundle) Resources() []Resource {
	out := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// GetString walks a dotted path through the resource and renders the leaf as
// a string. Path segments index into maps by key and into arrays by decimal
// position ("code.coding.0.display"). Missing segments yield "".
func (r Resource) GetString(path string) string {
	var current interface{} = map[string]interface{}(r)
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			current = node[segment]
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return ""
			}
			current = node[idx]
		default:
			return ""
		}
	}
	return stringify(current)
}

// GetStrings walks a dotted path and returns every leaf value when the path
// crosses arrays, so multi-valued elements like link.other.reference expand
// to one value per occurrence.
func (r Resource) GetStrings(path string) []string {
	return walkStrings(map[string]interface{}(r), strings.Split(path, "."))
}

func walkStrings(current interface{}, segments []string) []string {
	if len(segments) == 0 {
		if s := stringify(current); s != "" {
			return []string{s}
		}
		return nil
	}
	switch node := current.(type) {
	case map[string]interface{}:
		return walkStrings(node[segments[0]], segments[1:])
	case []interface{}:
		var out []string
		for _, item := range node {
			out = append(out, walkStrings(item, segments)...)
		}
		return out
	default:
		return nil
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
