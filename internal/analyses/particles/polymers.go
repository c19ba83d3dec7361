package particles

// OtherPolymer is the fallback bucket for shapes with no known mapping.
const OtherPolymer = "Other"

// shapeToPolymer is the fixed shape-to-polymer heuristic. One shape maps to
// exactly one polymer; there is deliberately no confidence weighting, since
// the mapping is part of the externally visible output.
var shapeToPolymer = map[string]string{
	"Fiber":    "PA",
	"Fragment": "PET",
	"Film":     "PE",
	"Pellet":   "PP",
	"Foam":     "PS",
}

// PolymerForShape maps a detected shape label to its hypothesized polymer
// type, falling back to OtherPolymer for unknown shapes.
func PolymerForShape(shape string) string {
	if polymer, ok := shapeToPolymer[shape]; ok {
		return polymer
	}
	return OtherPolymer
}
