package dimse

import (
	"sort"
	"strings"
)

// ValueSeparator separates the values of a multi-valued attribute.
const ValueSeparator = `\`

// Value is one attribute of a Dataset. Text holds the DICOM string encoding
// (multi-valued attributes keep their backslash separators). Items is set
// for sequence attributes only.
type Value struct {
	Text  string
	Items []Dataset
}

// IsSequence reports whether v carries sequence items.
func (v Value) IsSequence() bool { return v.Items != nil }

// Values splits a multi-valued attribute into its components.
func (v Value) Values() []string {
	if v.Text == "" {
		return nil
	}
	parts := strings.Split(v.Text, ValueSeparator)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Dataset is a DICOM identifier keyed by attribute keyword. A key present
// with an empty value requests universal matching for that attribute.
type Dataset map[string]Value

// Set stores a text attribute.
func (d Dataset) Set(keyword, text string) Dataset {
	d[keyword] = Value{Text: text}
	return d
}

// SetSequence stores a sequence attribute.
func (d Dataset) SetSequence(keyword string, items ...Dataset) Dataset {
	if items == nil {
		items = []Dataset{}
	}
	d[keyword] = Value{Items: items}
	return d
}

// String returns the text value of keyword, or "".
func (d Dataset) String(keyword string) string {
	return strings.TrimSpace(d[keyword].Text)
}

// Has reports whether keyword is present, empty or not.
func (d Dataset) Has(keyword string) bool {
	_, ok := d[keyword]
	return ok
}

// Keywords returns the dataset keywords in sorted order.
func (d Dataset) Keywords() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of d.
func (d Dataset) Clone() Dataset {
	out := make(Dataset, len(d))
	for k, v := range d {
		if v.Items != nil {
			items := make([]Dataset, len(v.Items))
			for i, it := range v.Items {
				items[i] = it.Clone()
			}
			v.Items = items
		}
		out[k] = v
	}
	return out
}
