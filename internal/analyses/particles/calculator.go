package particles

import (
	"sort"

	"aqualens-backend/internal/detect"
)

// TypeCount is one shape or polymer bucket in a distribution.
type TypeCount struct {
	Type       string  `json:"type"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Particle is a detection normalized to the unit square for display. Values
// are the detection center divided by the image dimensions and are left
// unclamped, so out-of-bounds detections normalize outside [0,1].
type Particle struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
}

// Metrics is everything derivable from raw detections without a model call.
type Metrics struct {
	ParticleTypes           []TypeCount `json:"particleTypes"`
	PolymerTypes            []TypeCount `json:"polymerTypes"`
	ContaminationPercentage float64     `json:"contaminationPercentage"`
	ParticleCount           int         `json:"particleCount"`
	Particles               []Particle  `json:"particles"`
}

// Calculate derives shape/polymer distributions, the contamination estimate,
// and normalized particle coordinates from raw detections. It is pure and
// never fails: degenerate input (no detections, zero-area image) yields
// zero-valued, well-formed output.
func Calculate(detections []detect.RawDetection, imageWidth, imageHeight int) Metrics {
	total := len(detections)

	shapes := make([]string, 0, total)
	polymers := make([]string, 0, total)
	for _, d := range detections {
		shapes = append(shapes, d.Class)
		polymers = append(polymers, PolymerForShape(d.Class))
	}

	m := Metrics{
		ParticleTypes: countByType(shapes, total),
		PolymerTypes:  countByType(polymers, total),
		ParticleCount: total,
		Particles:     normalize(detections, imageWidth, imageHeight),
	}

	imageArea := float64(imageWidth) * float64(imageHeight)
	if imageArea > 0 {
		var boxArea float64
		for _, d := range detections {
			// Raw sum of box areas; overlapping boxes are double-counted.
			boxArea += d.Width * d.Height
		}
		m.ContaminationPercentage = 100 * boxArea / imageArea
	}

	return m
}

// countByType aggregates labels into counts sorted descending by count. Ties
// keep first-encountered order, which makes the output deterministic for a
// given detection sequence.
func countByType(labels []string, total int) []TypeCount {
	counts := make(map[string]int, len(labels))
	order := make([]string, 0, len(labels))
	for _, label := range labels {
		if _, seen := counts[label]; !seen {
			order = append(order, label)
		}
		counts[label]++
	}

	out := make([]TypeCount, 0, len(order))
	for _, label := range order {
		tc := TypeCount{Type: label, Count: counts[label]}
		if total > 0 {
			tc.Percentage = 100 * float64(tc.Count) / float64(total)
		}
		out = append(out, tc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

func normalize(detections []detect.RawDetection, imageWidth, imageHeight int) []Particle {
	out := make([]Particle, 0, len(detections))
	w := float64(imageWidth)
	h := float64(imageHeight)
	for _, d := range detections {
		p := Particle{Confidence: d.Confidence, Class: d.Class}
		if w > 0 {
			p.X = d.X / w
		}
		if h > 0 {
			p.Y = d.Y / h
		}
		out = append(out, p)
	}
	return out
}
