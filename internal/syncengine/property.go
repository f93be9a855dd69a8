package syncengine

import (
	"fmt"
)

// PropertyValue is the tagged representation of one document-database
// property value. Exactly the fields for its Kind are meaningful; the
// rest stay zero.
type PropertyValue struct {
	Kind      PropertyType
	Text      string
	Number    float64
	HasNumber bool
	DateStart string
	DateEnd   string
}

func TitleValue(text string) PropertyValue {
	return PropertyValue{Kind: PropertyTitle, Text: text}
}

func RichTextValue(text string) PropertyValue {
	return PropertyValue{Kind: PropertyRichText, Text: text}
}

func SelectValue(name string) PropertyValue {
	return PropertyValue{Kind: PropertySelect, Text: name}
}

func NumberValue(n float64) PropertyValue {
	return PropertyValue{Kind: PropertyNumber, Number: n, HasNumber: true}
}

func DateValue(start, end string) PropertyValue {
	return PropertyValue{Kind: PropertyDate, DateStart: start, DateEnd: end}
}

// NotionPage is the decoded subset of a page object that translation
// consumes.
type NotionPage struct {
	ID         string
	Archived   bool
	Properties map[string]PropertyValue
}

// parsePropertyValue converts one raw property object from the provider
// API into its tagged variant. Unknown kinds are dropped by returning
// ok=false; translation must not guess at unvalidated shapes.
func parsePropertyValue(raw map[string]any) (PropertyValue, bool) {
	kind, _ := raw["type"].(string)
	switch PropertyType(kind) {
	case PropertyTitle:
		return TitleValue(plainText(raw["title"])), true
	case PropertyRichText:
		return RichTextValue(plainText(raw["rich_text"])), true
	case PropertyDate:
		date, ok := raw["date"].(map[string]any)
		if !ok {
			return PropertyValue{Kind: PropertyDate}, true
		}
		start, _ := date["start"].(string)
		end, _ := date["end"].(string)
		return DateValue(start, end), true
	case PropertySelect:
		sel, ok := raw["select"].(map[string]any)
		if !ok {
			return PropertyValue{Kind: PropertySelect}, true
		}
		name, _ := sel["name"].(string)
		return SelectValue(name), true
	case PropertyNumber:
		num, ok := raw["number"].(float64)
		if !ok {
			return PropertyValue{Kind: PropertyNumber}, true
		}
		return NumberValue(num), true
	default:
		return PropertyValue{}, false
	}
}

func plainText(v any) string {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	first, ok := items[0].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := first["plain_text"].(string)
	return text
}

// renderPropertyValue produces the provider write payload for one tagged
// value. The switch is exhaustive over the supported kinds.
func renderPropertyValue(v PropertyValue) (map[string]any, error) {
	switch v.Kind {
	case PropertyTitle:
		return map[string]any{
			"title": []any{map[string]any{"text": map[string]any{"content": v.Text}}},
		}, nil
	case PropertyRichText:
		return map[string]any{
			"rich_text": []any{map[string]any{"text": map[string]any{"content": v.Text}}},
		}, nil
	case PropertyDate:
		date := map[string]any{"start": v.DateStart}
		if v.DateEnd != "" {
			date["end"] = v.DateEnd
		}
		return map[string]any{"date": date}, nil
	case PropertySelect:
		return map[string]any{"select": map[string]any{"name": v.Text}}, nil
	case PropertyNumber:
		if !v.HasNumber {
			return map[string]any{"number": nil}, nil
		}
		return map[string]any{"number": v.Number}, nil
	default:
		return nil, fmt.Errorf("unsupported property kind %q", v.Kind)
	}
}
