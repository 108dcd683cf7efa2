// Package species names detector classes and attaches the legal no-catch season.
package species

import (
	"sort"

	"snapish/api/internal/detect"
)

// Unknown is the label for class ids missing from the table.
const Unknown = "알 수 없는 라벨"

// names maps model class ids to Korean common names.
var names = map[int]string{
	0:  "감성돔",   // black porgy
	1:  "대구",    // Pacific cod
	2:  "꽃게",    // blue crab
	3:  "갈치",    // largehead hairtail
	4:  "말쥐치",   // filefish
	5:  "넙치",    // olive flounder
	6:  "조피볼락",  // Korean rockfish
	7:  "삼치",    // Japanese Spanish mackerel
	8:  "문치가자미", // marbled flounder
	9:  "참문어",   // common octopus
	10: "돌돔",    // striped beakfish
	11: "참돔",    // red seabream
	12: "낙지",    // long-arm octopus
	13: "대게",    // snow crab
	14: "살오징어",  // Japanese flying squid
	15: "옥돔",    // red tilefish
	16: "주꾸미",   // webfoot octopus
}

// prohibited holds the no-catch window per species as MM.DD~MM.DD.
// An empty value means no window is on record. The table is wider than the
// model's label set.
var prohibited = map[string]string{
	"넙치":    "",
	"조피볼락":  "",
	"참돔":    "",
	"감성돔":   "05.01~05.31",
	"돌돔":    "",
	"명태":    "01.01~12.31",
	"대구":    "01.16~02.15",
	"살오징어":  "04.01~05.31",
	"고등어":   "04.01~06.30",
	"삼치":    "05.01~05.31",
	"참문어":   "05.16~06.30",
	"전어":    "05.01~07.15",
	"말쥐치":   "05.01~07.31",
	"주꾸미":   "05.11~08.31",
	"낙지":    "06.01~06.30",
	"참홍어":   "06.01~07.15",
	"꽃게":    "06.21~08.20",
	"대게":    "06.01~11.30",
	"갈치":    "07.01~07.31",
	"참조기":   "07.01~07.31",
	"붉은대게":  "07.10~08.25",
	"옥돔":    "07.21~08.20",
	"연어":    "10.01~11.30",
	"쥐노래미":  "11.01~12.31",
	"문치가자미": "12.01~01.31",
}

// Name returns the species name for a class id, or Unknown.
func Name(classID int) string {
	if n, ok := names[classID]; ok {
		return n
	}
	return Unknown
}

// ProhibitedSeason returns the no-catch window for a species, "" when none is recorded.
func ProhibitedSeason(name string) string {
	return prohibited[name]
}

// Enrich names each candidate, attaches its season and orders the result by
// descending confidence. Equal confidences keep detector order.
func Enrich(cands []detect.Candidate) []detect.Detection {
	out := make([]detect.Detection, 0, len(cands))
	for _, c := range cands {
		label := Name(c.ClassID)
		out = append(out, detect.Detection{
			Label:           label,
			Confidence:      c.Confidence,
			ProhibitedDates: ProhibitedSeason(label),
			BBox:            c.Box,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
