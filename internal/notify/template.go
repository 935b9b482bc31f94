package notify

import (
	"strings"
)

// Template renders a flat `{{field}}` substitution string against an event
// payload. The template surface is flat field substitution, not control
// flow, so this stays deliberately simpler than text/template.
type Template string

// Render substitutes every `{{field}}` occurrence in t with the string form
// of fields[field]. A field with no entry in fields is left unresolved
// (the literal `{{field}}` text is kept), so a typo'd template never panics
// or drops the whole message.
func (t Template) Render(fields map[string]string) string {
	s := string(t)
	var b strings.Builder
	b.Grow(len(s))

	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start

		b.WriteString(s[:start])
		name := strings.TrimSpace(s[start+2 : end])
		if val, ok := fields[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[start : end+2])
		}
		s = s[end+2:]
	}

	return b.String()
}

// Rule matches one event pattern to a notification level and template
// pair.
type Rule struct {
	Pattern  string
	Level    Priority
	Title    Template
	Content  Template
	Enabled  bool
}

// MatchRule returns the first enabled rule whose pattern matches topic,
// using the same exact/prefix-wildcard semantics as the event bus.
func MatchRule(rules []Rule, topic string) (Rule, bool) {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if ruleMatches(r.Pattern, topic) {
			return r, true
		}
	}
	return Rule{}, false
}

func ruleMatches(pattern, topic string) bool {
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}
