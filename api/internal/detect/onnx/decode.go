package onnx

import (
	"math"
	"sort"

	"snapish/api/internal/detect"
)

// decode reads a [4+classes, anchors] row-major output (cx, cy, w, h, class
// scores...) and returns one candidate per anchor whose best class score
// exceeds floor. Boxes are in input-tensor pixels.
func decode(out []float32, classes, anchors int, floor float64) []detect.Candidate {
	if len(out) < (4+classes)*anchors {
		return nil
	}
	var cands []detect.Candidate
	for a := 0; a < anchors; a++ {
		best, score := -1, float32(0)
		for c := 0; c < classes; c++ {
			if s := out[(4+c)*anchors+a]; s > score {
				best, score = c, s
			}
		}
		if best < 0 || float64(score) <= floor {
			continue
		}
		cx, cy := float64(out[a]), float64(out[anchors+a])
		w, h := float64(out[2*anchors+a]), float64(out[3*anchors+a])
		cands = append(cands, detect.Candidate{
			ClassID:    best,
			Confidence: float64(score),
			Box:        detect.Box{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
		})
	}
	return cands
}

// nms keeps the highest scoring box among same-class overlaps above iou.
// The result is ordered by descending confidence.
func nms(cands []detect.Candidate, iou float64) []detect.Candidate {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Confidence > cands[j].Confidence })
	kept := make([]detect.Candidate, 0, len(cands))
	for _, c := range cands {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == c.ClassID && overlap(k.Box, c.Box) > iou {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

func overlap(a, b detect.Box) float64 {
	ix := math.Max(0, math.Min(a[2], b[2])-math.Max(a[0], b[0]))
	iy := math.Max(0, math.Min(a[3], b[3])-math.Max(a[1], b[1]))
	inter := ix * iy
	union := area(a) + area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func area(b detect.Box) float64 {
	return math.Max(0, b[2]-b[0]) * math.Max(0, b[3]-b[1])
}

// scaleBoxes maps boxes from tensor space back onto the source image and clamps them to it.
func scaleBoxes(cands []detect.Candidate, sx, sy, maxX, maxY float64) {
	for i := range cands {
		b := &cands[i].Box
		b[0] = clamp(b[0]*sx, 0, maxX)
		b[1] = clamp(b[1]*sy, 0, maxY)
		b[2] = clamp(b[2]*sx, 0, maxX)
		b[3] = clamp(b[3]*sy, 0, maxY)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
