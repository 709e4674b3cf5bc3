package extract

import "regexp"

// Dosage is a recognized quantity + unit with an optional frequency phrase.
// Value and Frequency are slices of the original text.
type Dosage struct {
	Quantity  string `json:"quantity"`
	Unit      string `json:"unit"`
	Value     string `json:"value"`
	Frequency string `json:"frequency,omitempty"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// Patterns run on folded text (lower case, no diacritics).
var (
	dosageRe = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s?(mg/kg|mg/ml|mcg|mg|ml|ui|g|gotas|gota|comprimidos|comprimido|capsulas|capsula|cp|ampolas|ampola)\b`)

	frequencyRe = regexp.MustCompile(`^[\s,]*(?:[a-z]+\s+){0,3}?(?:de\s+)?(` +
		`\d+\s*(?:em|/)\s*\d+\s*(?:horas|hora|h)\b` +
		`|\d+\s*(?:x|vezes)\s*(?:ao|por)\s*dia\b` +
		`|(?:uma|duas|tres|quatro|cinco|seis)\s+vezes\s+(?:ao|por)\s+dia\b` +
		`|a\s+cada\s+\d+\s*(?:horas|hora|h)\b` +
		`|de\s+hora\s+em\s+hora\b)`)
)

// maxDosageGap bounds the distance between a medication name and its dosage.
const maxDosageGap = 40

type dosageMatch struct {
	qStart, qEnd int
	uStart, uEnd int
	fStart, fEnd int
}

// findDosages returns dosage matches in folded coordinates. A frequency is
// attached when it follows the dosage, optionally after up to three words
// such as "via oral", and before the next dosage.
func findDosages(folded string) []dosageMatch {
	locs := dosageRe.FindAllStringSubmatchIndex(folded, -1)
	out := make([]dosageMatch, 0, len(locs))
	for i, loc := range locs {
		m := dosageMatch{qStart: loc[2], qEnd: loc[3], uStart: loc[4], uEnd: loc[5], fStart: -1, fEnd: -1}
		limit := len(folded)
		if i+1 < len(locs) {
			limit = locs[i+1][0]
		}
		tail := folded[loc[1]:limit]
		if f := frequencyRe.FindStringSubmatchIndex(tail); f != nil {
			m.fStart = loc[1] + f[2]
			m.fEnd = loc[1] + f[3]
		}
		out = append(out, m)
	}
	return out
}
