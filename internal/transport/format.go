package transport

import (
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"catalert/internal/listing"
)

// detailFields are rendered in this order; anything else follows sorted.
var detailFields = []string{
	listing.FieldID,
	listing.FieldSex,
	listing.FieldColor,
	listing.FieldBreed,
	listing.FieldAge,
	listing.FieldStatus,
	listing.FieldURL,
}

// hiddenFields never appear in message bodies.
var hiddenFields = map[string]bool{
	listing.FieldName:       true,
	listing.FieldImage:      true,
	listing.FieldAgeDays:    true,
	listing.FieldSpecies:    true,
	listing.FieldIntakeDate: true,
}

// Headline is the one-line summary used for subjects and captions.
func Headline(ev listing.NotifyEvent) string {
	name := displayName(ev.Record)
	switch ev.Reason {
	case listing.ReasonReappeared:
		return fmt.Sprintf("Back up for adoption: %s", name)
	case listing.ReasonDelisted:
		return fmt.Sprintf("No longer listed: %s", name)
	default:
		return fmt.Sprintf("New %s: %s", species(ev.Record), name)
	}
}

// FormatText renders a plain-text message shared by the log, email and
// webhook transports.
func FormatText(ev listing.NotifyEvent) string {
	var b strings.Builder
	b.WriteString(Headline(ev))
	for _, kv := range details(ev.Record) {
		b.WriteString("\n")
		b.WriteString(kv[0])
		b.WriteString(": ")
		b.WriteString(kv[1])
	}
	return b.String()
}

// FormatHTML renders the Telegram HTML variant.
func FormatHTML(ev listing.NotifyEvent) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(Headline(ev)))
	b.WriteString("</b>")
	for _, kv := range details(ev.Record) {
		b.WriteString("\n")
		if kv[0] == listing.FieldURL {
			fmt.Fprintf(&b, `<a href="%s">details</a>`, html.EscapeString(kv[1]))
			continue
		}
		b.WriteString("<i>")
		b.WriteString(html.EscapeString(kv[0]))
		b.WriteString(":</i> ")
		b.WriteString(html.EscapeString(kv[1]))
	}
	return b.String()
}

func details(r listing.Record) [][2]string {
	out := make([][2]string, 0, len(r.Fields))
	seen := map[string]bool{}
	for _, k := range detailFields {
		seen[k] = true
		v := r.Field(k)
		if k == listing.FieldAge {
			if days, err := strconv.Atoi(r.Field(listing.FieldAgeDays)); err == nil && days > 0 {
				v = listing.HumanAge(days)
			}
		}
		if v != "" {
			out = append(out, [2]string{k, v})
		}
	}
	for _, k := range sortedFieldNames(r.Fields) {
		if seen[k] || hiddenFields[k] {
			continue
		}
		out = append(out, [2]string{k, r.Fields[k]})
	}
	return out
}

func displayName(r listing.Record) string {
	name := r.Field(listing.FieldName)
	if name == "" {
		name = r.Key
	}
	name = titleCase(name)
	if id := r.Field(listing.FieldID); id != "" {
		return fmt.Sprintf("%s (%s)", name, id)
	}
	return name
}

func species(r listing.Record) string {
	if s := r.Field(listing.FieldSpecies); s != "" {
		return s
	}
	return "animal"
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func sortedFieldNames(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
