package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"bloomsite/api/internal/formdef"
)

// BuildSections turns stored answers into labelled rows. Submissions are
// keyed by section id then field id; a repeatable section holds a list of
// entries. Confirmations are a list of {question, answer} pairs. Labels
// come from def when the ids match and fall back to the humanized key.
func BuildSections(answers json.RawMessage, def *formdef.Definition) ([]Section, error) {
	if len(answers) == 0 || string(answers) == "null" {
		return []Section{}, nil
	}

	var pairs []struct {
		Question string `json:"question"`
		Answer   any    `json:"answer"`
	}
	if err := json.Unmarshal(answers, &pairs); err == nil {
		rows := make([]Row, 0, len(pairs))
		for _, pair := range pairs {
			rows = append(rows, Row{Label: pair.Question, Value: renderValue(pair.Answer)})
		}
		return []Section{{Title: "Confirmation", Rows: rows}}, nil
	}

	var bySection map[string]any
	if err := json.Unmarshal(answers, &bySection); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}

	labels := newLabelIndex(def)
	sections := make([]Section, 0, len(bySection))
	for _, sectionID := range labels.sectionOrder(bySection) {
		title := labels.sectionTitle(sectionID)
		switch value := bySection[sectionID].(type) {
		case map[string]any:
			sections = append(sections, Section{Title: title, Rows: labels.rows(sectionID, value)})
		case []any:
			for i, entry := range value {
				fields, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				sections = append(sections, Section{
					Title: fmt.Sprintf("%s #%d", title, i+1),
					Rows:  labels.rows(sectionID, fields),
				})
			}
		default:
			sections = append(sections, Section{Rows: []Row{{Label: title, Value: renderValue(value)}}})
		}
	}
	return sections, nil
}

type labelIndex struct {
	sections map[string]formdef.Section
	order    map[string]int
}

func newLabelIndex(def *formdef.Definition) labelIndex {
	idx := labelIndex{sections: map[string]formdef.Section{}, order: map[string]int{}}
	if def == nil {
		return idx
	}
	for i, section := range def.Sections {
		idx.sections[section.ID] = section
		idx.order[section.ID] = i
	}
	return idx
}

// sectionOrder follows the definition; unknown keys go last, sorted.
func (l labelIndex) sectionOrder(bySection map[string]any) []string {
	keys := make([]string, 0, len(bySection))
	for key := range bySection {
		keys = append(keys, key)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		oi, iok := l.order[keys[i]]
		oj, jok := l.order[keys[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		}
		return keys[i] < keys[j]
	})
	return keys
}

func (l labelIndex) sectionTitle(sectionID string) string {
	if section, ok := l.sections[sectionID]; ok && section.Title != "" {
		return section.Title
	}
	return humanize(sectionID)
}

func (l labelIndex) rows(sectionID string, fields map[string]any) []Row {
	section := l.sections[sectionID]
	rows := make([]Row, 0, len(fields))
	seen := map[string]bool{}
	for _, field := range section.Fields {
		if value, ok := fields[field.ID]; ok {
			rows = append(rows, Row{Label: field.Label, Value: renderValue(value)})
			seen[field.ID] = true
		}
	}
	rest := make([]string, 0)
	for key := range fields {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		rows = append(rows, Row{Label: humanize(key), Value: renderValue(fields[key])})
	}
	return rows
}

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "Yes"
		}
		return "No"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, renderValue(item))
		}
		return strings.Join(parts, ", ")
	default:
		encoded, _ := json.Marshal(v)
		return string(encoded)
	}
}

func humanize(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool { return r == '-' || r == '_' })
	if len(words) == 0 {
		return key
	}
	words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	return strings.Join(words, " ")
}
