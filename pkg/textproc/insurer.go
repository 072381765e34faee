package textproc

import "strings"

// insurerAlias pairs one known spelling of an insurer with its canonical
// name. The table is a slice, not a map: registration order is the tie-break
// when several aliases occur in the same text.
type insurerAlias struct {
	alias     string
	canonical string
}

// insurerAliases holds the many observed spellings per insurer, including the
// truncated and mis-recognized forms that show up in scanned documents.
var insurerAliases = []insurerAlias{
	{"allianz", "Allianz Sigorta"},
	{"allianzsigorta", "Allianz Sigorta"},
	{"alli", "Allianz Sigorta"},
	{"alianz", "Allianz Sigorta"},
	{"alia", "Allianz Sigorta"},
	{"bupa", "BUPA ACIBADEM Sigorta"},
	{"acıbadem", "BUPA ACIBADEM Sigorta"},
	{"acibadem", "BUPA ACIBADEM Sigorta"},
	{"axa", "AXA Sigorta"},
	{"anadolu", "Anadolu Sigorta"},
	{"aksigorta", "AkSigorta"},
	{"mapfre", "Mapfre Sigorta"},
	{"sompo", "Sompo Sigorta"},
	{"zurich", "Zurich Sigorta"},
	{"generali", "Generali Sigorta"},
	{"groupama", "Groupama Sigorta"},
	{"ray", "Ray Sigorta"},
	{"vakıf", "VakıfBank Sigorta"},
	{"vakif", "VakıfBank Sigorta"},
	{"vakifbank", "VakıfBank Sigorta"},
	{"vakıfbank", "VakıfBank Sigorta"},
	{"medisa", "Medisa Sigorta"},
	{"medline", "Medline Sigorta"},
	{"hdi", "HDI Sigorta"},
	{"ergo", "ERGO Sigorta"},
	{"eureko", "Eureko Sigorta"},
	{"aviva", "Aviva Sigorta"},
	{"gulf", "Gulf Sigorta"},
	{"neova", "Neova Sigorta"},
	{"ziraat", "Ziraat Sigorta"},
	{"halk", "Halk Sigorta"},
	{"güneş", "Güneş Sigorta"},
	{"gunes", "Güneş Sigorta"},
	{"türkiye", "TURKİYE Sigorta"},
	{"turkiye", "TURKİYE Sigorta"},
}

// insurerWindow is how far (in characters) from an alias occurrence the word
// "sigorta"/"insurance" must appear for the hit to count.
const insurerWindow = 50

// DetectInsurer scans recognized text for a known insurer alias. A brand name
// alone is not enough: the word "sigorta" or "insurance" must occur within 50
// characters of the alias, which filters out incidental brand mentions. The
// first alias in registration order satisfying both conditions wins.
func DetectInsurer(text string) (string, bool) {
	normText := Normalize(text)

	for _, entry := range insurerAliases {
		key := Normalize(entry.alias)
		idx := strings.Index(normText, key)
		if idx < 0 {
			continue
		}

		lo := idx - insurerWindow
		if lo < 0 {
			lo = 0
		}
		hi := idx + insurerWindow
		if hi > len(normText) {
			hi = len(normText)
		}
		window := normText[lo:hi]

		if strings.Contains(window, "sigorta") || strings.Contains(window, "insurance") {
			return entry.canonical, true
		}
	}

	return "", false
}
