package linkedin

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

// ErrMalformedPayload is returned when a provider body is not a JSON object.
var ErrMalformedPayload = eris.New("linkedin: malformed payload")

// NormalizeProfile maps a provider user payload into a Profile. The
// provider has shipped two experience shapes; both are accepted.
func NormalizeProfile(body []byte) (*Profile, error) {
	doc, err := parseObject(body)
	if err != nil {
		return nil, err
	}
	if data := doc.Get("data"); data.IsObject() {
		doc = data
	}

	p := &Profile{
		ProfileRef: firstString(doc, "provider_id", "public_identifier", "id"),
		Headline:   doc.Get("headline").String(),
		Raw:        append([]byte(nil), body...),
	}
	p.FullName = firstString(doc, "full_name", "name")
	if p.FullName == "" {
		p.FullName = strings.TrimSpace(doc.Get("first_name").String() + " " + doc.Get("last_name").String())
	}

	experience := doc.Get("work_experience")
	if !experience.IsArray() {
		experience = doc.Get("experience")
	}
	experience.ForEach(func(_, e gjson.Result) bool {
		pos := Position{
			Company:   firstString(e, "company", "company_name", "company.name"),
			CompanyID: firstString(e, "company_id", "companyId", "company.id"),
			Position:  firstString(e, "position", "title"),
		}
		switch cur := e.Get("current"); {
		case cur.Exists():
			pos.IsCurrent = cur.Bool()
		case e.Get("is_current").Exists():
			pos.IsCurrent = e.Get("is_current").Bool()
		default:
			end := e.Get("end")
			pos.IsCurrent = e.Get("start").Exists() && (!end.Exists() || end.Type == gjson.Null || end.String() == "")
		}
		if pos.Company != "" || pos.CompanyID != "" {
			p.Positions = append(p.Positions, pos)
		}
		return true
	})
	return p, nil
}

// NormalizeCompany maps a provider company payload into a Company.
func NormalizeCompany(body []byte) (*Company, error) {
	doc, err := parseObject(body)
	if err != nil {
		return nil, err
	}
	if data := doc.Get("data"); data.IsObject() {
		doc = data
	}

	co := &Company{
		Ref:         firstString(doc, "id", "provider_id", "public_identifier"),
		Name:        doc.Get("name").String(),
		Description: doc.Get("description").String(),
		Website:     doc.Get("website").String(),
	}

	if ind := doc.Get("industry"); ind.IsArray() {
		var parts []string
		for _, v := range ind.Array() {
			if s := strings.TrimSpace(v.String()); s != "" {
				parts = append(parts, s)
			}
		}
		co.Industry = strings.Join(parts, ", ")
	} else {
		co.Industry = ind.String()
	}

	switch {
	case doc.Get("employee_count_range").IsObject():
		r := doc.Get("employee_count_range")
		from, to := r.Get("from").Int(), r.Get("to").Int()
		if to > 0 {
			co.Size = fmt.Sprintf("%d-%d", from, to)
		} else if from > 0 {
			co.Size = fmt.Sprintf("%d+", from)
		}
	case doc.Get("employee_count").Exists():
		co.Size = doc.Get("employee_count").String()
	default:
		co.Size = firstString(doc, "size", "staff_count")
	}

	if hq := doc.Get("headquarters"); hq.Type == gjson.String {
		co.Headquarters = hq.String()
	} else {
		loc := hq
		if !loc.IsObject() {
			doc.Get("locations").ForEach(func(_, l gjson.Result) bool {
				if l.Get("is_headquarter").Bool() {
					loc = l
					return false
				}
				return true
			})
		}
		if loc.IsObject() {
			co.Headquarters = joinNonEmpty(", ", loc.Get("city").String(), loc.Get("country").String())
		}
	}
	return co, nil
}

func parseObject(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, ErrMalformedPayload
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return gjson.Result{}, ErrMalformedPayload
	}
	return doc, nil
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type != gjson.JSON {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
