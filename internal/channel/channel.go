// Package channel maps raw platform/channel strings onto the normalized
// channel set understood by the dashboard.
package channel

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Channel string

const (
	Google  Channel = "google"
	Meta    Channel = "meta"
	TikTok  Channel = "tiktok"
	Email   Channel = "email"
	Organic Channel = "organic"
	Website Channel = "website"
	Direct  Channel = "direct"
	Other   Channel = "other"
)

// All lists every normalized channel in display order.
var All = []Channel{Google, Meta, TikTok, Email, Organic, Website, Direct, Other}

// aliases matches a whole normalized raw string.
var aliases = map[string]Channel{
	"":               Direct,
	"direct":         Direct,
	"none":           Direct,
	"(none)":         Direct,
	"(direct)":       Direct,
	"typein":         Direct,
	"type in":        Direct,
	"google":         Google,
	"google ads":     Google,
	"googleads":      Google,
	"adwords":        Google,
	"cpc":            Google,
	"ppc":            Google,
	"sem":            Google,
	"gclid":          Google,
	"youtube":        Google,
	"meta":           Meta,
	"meta ads":       Meta,
	"facebook":       Meta,
	"facebook ads":   Meta,
	"fb":             Meta,
	"instagram":      Meta,
	"instagram ads":  Meta,
	"ig":             Meta,
	"tiktok":         TikTok,
	"tiktok ads":     TikTok,
	"tik tok":        TikTok,
	"email":          Email,
	"e mail":         Email,
	"newsletter":     Email,
	"klaviyo":        Email,
	"mailchimp":      Email,
	"correo":         Email,
	"organic":        Organic,
	"seo":            Organic,
	"organic search": Organic,
	"organico":       Organic,
	"referral":       Organic,
	"social":         Organic,
	"website":        Website,
	"web":            Website,
	"site":           Website,
	"sitio web":      Website,
	"storefront":     Website,
	"shopify":        Website,
}

// tokens matches a single word of a multi-word raw string that has no alias.
var tokens = map[string]Channel{
	"google":     Google,
	"adwords":    Google,
	"gclid":      Google,
	"youtube":    Google,
	"meta":       Meta,
	"facebook":   Meta,
	"instagram":  Meta,
	"fb":         Meta,
	"tiktok":     TikTok,
	"email":      Email,
	"newsletter": Email,
	"klaviyo":    Email,
	"organic":    Organic,
	"seo":        Organic,
	"website":    Website,
	"shopify":    Website,
}

var separators = strings.NewReplacer("_", " ", "-", " ", ".", " ", "/", " ", "|", " ")

// Normalize maps a raw channel string to its Channel. Unknown strings map
// to Other; they are never dropped.
func Normalize(raw string) Channel {
	s := strings.Join(strings.Fields(separators.Replace(fold(raw))), " ")
	if c, ok := aliases[s]; ok {
		return c
	}
	for _, tok := range strings.Fields(s) {
		if c, ok := tokens[tok]; ok {
			return c
		}
	}
	return Other
}

// fold lowercases raw and strips accents and width variants, so "Orgánico"
// and full-width "Ｇｏｏｇｌｅ" hit the same table entries as plain ASCII.
func fold(raw string) string {
	if ascii(raw) {
		return strings.ToLower(raw)
	}
	// transformers keep state; build them per call
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, raw)
	if err != nil {
		s = raw
	}
	return cases.Fold().String(s)
}

func ascii(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Valid reports whether s names a normalized channel.
func Valid(s string) bool {
	for _, c := range All {
		if string(c) == s {
			return true
		}
	}
	return false
}
