// Package i18n serves the page's UI strings in the viewer's language.
package i18n

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"golang.org/x/text/language"
)

// Fallback is used when neither the request nor the catalogue agree.
const Fallback = "en"

// Catalog maps language base codes to key/value strings.
type Catalog struct {
	strings map[string]map[string]string
	tags    []language.Tag
	codes   []string
	matcher language.Matcher
}

// Load parses a {"lang": {"key": "text"}} document.  The fallback
// language must be present.
func Load(data []byte) (*Catalog, error) {
	var raw map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse translations: %w", err)
	}
	if _, ok := raw[Fallback]; !ok {
		return nil, errors.New("translations: fallback language missing")
	}

	codes := make([]string, 0, len(raw))
	for code := range raw {
		if code != Fallback {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	// The first tag is the matcher's default.
	codes = append([]string{Fallback}, codes...)

	tags := make([]language.Tag, 0, len(codes))
	for _, code := range codes {
		tag, err := language.Parse(code)
		if err != nil {
			return nil, fmt.Errorf("translations: bad language %q: %w", code, err)
		}
		tags = append(tags, tag)
	}
	return &Catalog{
		strings: raw,
		tags:    tags,
		codes:   codes,
		matcher: language.NewMatcher(tags),
	}, nil
}

// Languages lists the supported codes, fallback first.
func (c *Catalog) Languages() []string { return append([]string(nil), c.codes...) }

// Negotiate picks a supported language from an Accept-Language header.
func (c *Catalog) Negotiate(acceptLanguage string) string {
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return Fallback
	}
	_, idx, conf := c.matcher.Match(prefs...)
	if conf == language.No {
		return Fallback
	}
	return c.codes[idx]
}

// FromRequest negotiates using ?lang= first, then the request headers.
func (c *Catalog) FromRequest(r *http.Request) string {
	if q := r.URL.Query().Get("lang"); q != "" {
		if _, ok := c.strings[q]; ok {
			return q
		}
	}
	return c.Negotiate(r.Header.Get("Accept-Language"))
}

// Translate returns the string for key in lang, falling back to the
// fallback language and finally to the key itself.
func (c *Catalog) Translate(lang, key string) string {
	if v, ok := c.strings[lang][key]; ok {
		return v
	}
	if v, ok := c.strings[Fallback][key]; ok {
		return v
	}
	return key
}

// Strings returns a copy of one language's table.
func (c *Catalog) Strings(lang string) map[string]string {
	src, ok := c.strings[lang]
	if !ok {
		src = c.strings[Fallback]
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
