package request

import (
	"sort"
	"strconv"
	"strings"
)

type langPref struct {
	tag string
	q   float64
}

// negotiateLanguage picks the best configured locale for an
// Accept-Language header. Matching is case-insensitive and a bare
// primary tag ("fr") matches regional locales ("fr_FR"). When nothing
// matches, the first locale wins.
func negotiateLanguage(accept string, locales []string) string {
	if len(locales) == 0 {
		return ""
	}
	prefs := parseAcceptLanguage(accept)
	for _, p := range prefs {
		if p.tag == "*" {
			return locales[0]
		}
		for _, loc := range locales {
			if langMatches(p.tag, loc) {
				return loc
			}
		}
	}
	return locales[0]
}

func parseAcceptLanguage(accept string) []langPref {
	var prefs []langPref
	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag, params, _ := strings.Cut(part, ";")
		q := 1.0
		if params != "" {
			for _, param := range strings.Split(params, ";") {
				k, v, _ := strings.Cut(strings.TrimSpace(param), "=")
				if strings.EqualFold(k, "q") {
					if f, err := strconv.ParseFloat(v, 64); err == nil {
						q = f
					}
				}
			}
		}
		tag = strings.TrimSpace(tag)
		if tag == "" || q <= 0 {
			continue
		}
		prefs = append(prefs, langPref{tag: tag, q: q})
	}
	sort.SliceStable(prefs, func(i, j int) bool { return prefs[i].q > prefs[j].q })
	return prefs
}

func langMatches(tag, locale string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "-"))
	}
	tag, locale = norm(tag), norm(locale)
	if tag == locale {
		return true
	}
	return strings.HasPrefix(locale, tag+"-")
}
