package matching

import (
	"fmt"
	"strings"

	"github.com/dicomrouter/router/internal/platform/dimse"
)

// Mode is the DICOM matching mode chosen for one attribute.
type Mode int

const (
	ModeSingle Mode = iota
	ModeUIDList
	ModeWildcard
	ModeRange
	ModeSubstring
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeUIDList:
		return "uid-list"
	case ModeWildcard:
		return "wildcard"
	case ModeRange:
		return "range"
	case ModeSubstring:
		return "substring"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Predicate is one filter over the worklist join. It renders to
// parameterized SQL and also evaluates against an in-memory Row.
type Predicate struct {
	Attribute Attribute
	Mode      Mode
	Value     string
	UIDs      []string
	Lower     string
	Upper     string
}

// Row is one worklist entry joined with its patient. SeriesUIDs and
// InstanceUIDs list the instances stored for the study, if any.
type Row struct {
	Fields       map[string]string
	SeriesUIDs   []string
	InstanceUIDs []string
}

func (r Row) Get(field string) string { return r.Fields[field] }

// UnsupportedAttribute is an identifier element that produced no predicate.
type UnsupportedAttribute struct {
	Keyword string
	Reason  string
}

// BuildResult is the outcome of translating one identifier.
type BuildResult struct {
	Predicates  []Predicate
	Unsupported []UnsupportedAttribute
}

// Query/retrieve control attributes that are never filters.
var controlKeywords = map[string]bool{
	"QueryRetrieveLevel":    true,
	"SpecificCharacterSet":  true,
	"TimezoneOffsetFromUTC": true,
}

// Build translates identifier into predicates. Empty values are universal
// matches and emit nothing. Sequences are unwrapped one level.
func Build(identifier dimse.Dataset) BuildResult {
	var res BuildResult
	for _, kw := range identifier.Keywords() {
		v := identifier[kw]
		if !v.IsSequence() {
			res.add(kw, v.Text)
			continue
		}
		for _, item := range v.Items {
			for _, child := range item.Keywords() {
				cv := item[child]
				if cv.IsSequence() {
					res.Unsupported = append(res.Unsupported, UnsupportedAttribute{
						Keyword: kw + "." + child, Reason: "nested sequence",
					})
					continue
				}
				res.add(child, cv.Text)
			}
		}
	}
	return res
}

func (res *BuildResult) add(keyword, raw string) {
	if controlKeywords[keyword] {
		return
	}
	attr, ok := LookupAttribute(keyword)
	if !ok {
		res.Unsupported = append(res.Unsupported, UnsupportedAttribute{Keyword: keyword, Reason: "unknown attribute"})
		return
	}
	p, ok, reason := buildPredicate(attr, raw)
	if reason != "" {
		res.Unsupported = append(res.Unsupported, UnsupportedAttribute{Keyword: keyword, Reason: reason})
		return
	}
	if ok {
		res.Predicates = append(res.Predicates, p)
	}
}

// buildPredicate returns ok=false for universal matching and a non-empty
// reason when the value cannot be matched.
func buildPredicate(attr Attribute, raw string) (Predicate, bool, string) {
	text := strings.TrimSpace(raw)
	if attr.Kind == KindPersonName {
		text = strings.TrimRight(text, "^= ")
	}
	if text == "" || strings.Trim(text, "*") == "" {
		return Predicate{}, false, ""
	}
	p := Predicate{Attribute: attr}

	switch attr.Kind {
	case KindUID:
		uids := dimse.Value{Text: text}.Values()
		for _, u := range uids {
			if hasWildcard(u) {
				return Predicate{}, false, "wildcard not allowed in UID"
			}
		}
		p.Mode = ModeUIDList
		p.UIDs = uids
		return p, true, ""

	case KindDate, KindTime:
		if strings.Contains(text, "-") {
			parts := strings.Split(text, "-")
			if len(parts) != 2 {
				return Predicate{}, false, "malformed range"
			}
			p.Lower, p.Upper = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			if p.Lower == "" && p.Upper == "" {
				return Predicate{}, false, ""
			}
			p.Mode = ModeRange
			return p, true, ""
		}

	case KindPersonName:
		p.Value = text
		if hasWildcard(text) {
			p.Mode = ModeWildcard
		} else {
			p.Mode = ModeSubstring
		}
		return p, true, ""
	}

	p.Value = text
	if hasWildcard(text) {
		p.Mode = ModeWildcard
	} else {
		p.Mode = ModeSingle
	}
	return p, true, ""
}

func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?")
}

// argList collects positional parameters and hands out $n placeholders.
type argList struct {
	args []interface{}
}

func (a *argList) add(v interface{}) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

// SQL renders the predicate against the worklist alias w / patient alias p.
func (p Predicate) SQL(args *argList) string {
	col := p.Attribute.Column
	switch p.Mode {
	case ModeUIDList:
		if p.Attribute.InstanceColumn != "" {
			return fmt.Sprintf(
				"EXISTS (SELECT 1 FROM dicom_instance di WHERE di.study_uid = w.study_uid AND di.%s = ANY(%s))",
				p.Attribute.InstanceColumn, args.add(p.UIDs))
		}
		return fmt.Sprintf("%s = ANY(%s)", col, args.add(p.UIDs))
	case ModeWildcard:
		return fmt.Sprintf("%s ILIKE %s", col, args.add(likePattern(p.Value)))
	case ModeSubstring:
		return fmt.Sprintf("%s ILIKE %s", col, args.add("%"+escapeLike(p.Value)+"%"))
	case ModeRange:
		clause := fmt.Sprintf("%s <> ''", col)
		if p.Lower != "" {
			clause += fmt.Sprintf(" AND %s >= %s", col, args.add(p.Lower))
		}
		if p.Upper != "" {
			clause += fmt.Sprintf(" AND %s <= %s", col, args.add(p.Upper))
		}
		return "(" + clause + ")"
	default:
		return fmt.Sprintf("lower(%s) = lower(%s)", col, args.add(p.Value))
	}
}

// Match evaluates the predicate against row with the same semantics as SQL.
func (p Predicate) Match(row Row) bool {
	if p.Attribute.InstanceColumn != "" {
		have := row.SeriesUIDs
		if p.Attribute.InstanceColumn == "instance_uid" {
			have = row.InstanceUIDs
		}
		for _, h := range have {
			for _, u := range p.UIDs {
				if h == u {
					return true
				}
			}
		}
		return false
	}

	v := row.Get(p.Attribute.Field)
	switch p.Mode {
	case ModeUIDList:
		for _, u := range p.UIDs {
			if v == u {
				return true
			}
		}
		return false
	case ModeWildcard:
		return globMatch(strings.ToLower(p.Value), strings.ToLower(v))
	case ModeSubstring:
		return strings.Contains(strings.ToLower(v), strings.ToLower(p.Value))
	case ModeRange:
		if v == "" {
			return false
		}
		return (p.Lower == "" || v >= p.Lower) && (p.Upper == "" || v <= p.Upper)
	default:
		return strings.EqualFold(v, p.Value)
	}
}

// likePattern converts a DICOM wildcard value to an ILIKE pattern.
func likePattern(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}

// globMatch reports whether s matches pattern, where * matches any run of
// characters and ? exactly one.
func globMatch(pattern, s string) bool {
	pr, sr := []rune(pattern), []rune(s)
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(sr) {
		switch {
		case pi < len(pr) && (pr[pi] == '?' || pr[pi] == sr[si]):
			pi++
			si++
		case pi < len(pr) && pr[pi] == '*':
			star, mark = pi, si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pr) && pr[pi] == '*' {
		pi++
	}
	return pi == len(pr)
}
