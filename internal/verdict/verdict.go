// Package verdict implements the comparator: the pure function that turns a
// live page's normalized content plus a stored baseline into a defacement
// verdict.
package verdict

import (
	"math"
	"strings"
	"time"
)

// Status is the verdict's top-level classification.
type Status string

const (
	StatusClean                Status = "CLEAN"
	StatusPotentialDefacement  Status = "POTENTIAL_DEFACEMENT"
	StatusDefaced              Status = "DEFACED"
	StatusFailed               Status = "FAILED"
)

// Severity ranks how urgently a non-clean verdict should be acted on.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Indicator labels in indicators[].
const (
	IndicatorScriptAdded        = "SCRIPT_ADDED"
	IndicatorScriptRemoved      = "SCRIPT_REMOVED"
	IndicatorStructuralCollapse = "STRUCTURAL_COLLAPSE"
	IndicatorTextReplacement    = "TEXT_REPLACEMENT"
	IndicatorHashMatch          = "HASH_MATCH"
	IndicatorVersionMismatch    = "VERSION_MISMATCH"
)

// Policy tunes the comparator's noise tolerance.
type Policy struct {
	NoiseFloor float64
}

// DefaultPolicy is the comparator's default noise floor.
func DefaultPolicy() Policy {
	return Policy{NoiseFloor: 0.05}
}

// Baseline is the stored page version a live fetch is compared against.
type Baseline struct {
	NormalizedText string
	TagPaths       []string
	ScriptSrcs     map[string]bool
	NormVersion    string
}

// Live is the freshly fetched and normalized page.
type Live struct {
	NormalizedText string
	TagPaths       []string
	ScriptSrcs     map[string]bool
	NormVersion    string
}

// Verdict is the comparator's immutable output.
type Verdict struct {
	BaselineHash    string
	ObservedHash    string
	Status          Status
	Severity        Severity
	Confidence      float64
	StructuralDrift float64
	ContentDrift    float64
	Indicators      []string
	DetectedAt      time.Time
}

// ContentHasher and StructuralHasher let the comparator stay decoupled from
// the normalize package's concrete hash functions; production wiring passes
// normalize.ContentHash / normalize.StructuralHashFromPaths.
type ContentHasher func(normalizedText string) string
type StructuralHasher func(tagPaths []string) string

// Compare runs the full comparator described for the verdict engine: drift
// scalars, indicator detection, then the ordered status/severity decision
// tree. detectedAt is passed in rather than taken from time.Now so callers
// control it (and tests get determinism).
func Compare(live Live, base Baseline, policy Policy, contentHash ContentHasher, structuralHash StructuralHasher, detectedAt time.Time) Verdict {
	hLive := contentHash(live.NormalizedText)
	hBase := contentHash(base.NormalizedText)

	v := Verdict{
		BaselineHash: hBase,
		ObservedHash: hLive,
		DetectedAt:   detectedAt,
	}

	if base.NormVersion != "" && live.NormVersion != "" && base.NormVersion != live.NormVersion {
		v.Indicators = append(v.Indicators, IndicatorVersionMismatch)
		v.Status = StatusFailed
		v.Severity = SeverityNone
		return v
	}

	v.StructuralDrift = jaccardDistance(base.TagPaths, live.TagPaths)
	v.ContentDrift = 1 - cosineSimilarity(tokenize(base.NormalizedText), tokenize(live.NormalizedText))

	scriptAdded := setDifference(live.ScriptSrcs, base.ScriptSrcs)
	scriptRemoved := setDifference(base.ScriptSrcs, live.ScriptSrcs)

	if hLive == hBase {
		v.Indicators = append(v.Indicators, IndicatorHashMatch)
	}
	if len(scriptAdded) > 0 {
		v.Indicators = append(v.Indicators, IndicatorScriptAdded)
	}
	if len(scriptRemoved) > 0 {
		v.Indicators = append(v.Indicators, IndicatorScriptRemoved)
	}
	if v.StructuralDrift >= 0.6 {
		v.Indicators = append(v.Indicators, IndicatorStructuralCollapse)
	}
	if v.ContentDrift >= 0.7 {
		v.Indicators = append(v.Indicators, IndicatorTextReplacement)
	}

	v.Status, v.Severity, v.Confidence = decide(v, policy)
	return v
}

func decide(v Verdict, policy Policy) (Status, Severity, float64) {
	has := func(indicator string) bool {
		for _, i := range v.Indicators {
			if i == indicator {
				return true
			}
		}
		return false
	}

	switch {
	case has(IndicatorHashMatch):
		return StatusClean, SeverityNone, 1.0
	case has(IndicatorScriptAdded):
		if has(IndicatorStructuralCollapse) || has(IndicatorTextReplacement) {
			return StatusDefaced, SeverityCritical, 0.9
		}
		return StatusDefaced, SeverityHigh, 0.9
	case has(IndicatorStructuralCollapse):
		return StatusDefaced, SeverityHigh, 0.85
	case has(IndicatorTextReplacement):
		return StatusPotentialDefacement, SeverityMedium, 0.7
	case v.StructuralDrift < policy.NoiseFloor && v.ContentDrift < policy.NoiseFloor:
		return StatusClean, SeverityNone, 1.0
	default:
		return StatusPotentialDefacement, SeverityLow, 0.5
	}
}

func tokenize(text string) map[string]int {
	tokens := strings.Fields(text)
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

func cosineSimilarity(a, b map[string]int) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for tok, ca := range a {
		normA += float64(ca) * float64(ca)
		if cb, ok := b[tok]; ok {
			dot += float64(ca) * float64(cb)
		}
	}
	for _, cb := range b {
		normB += float64(cb) * float64(cb)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / math.Sqrt(normA*normB)
	if sim > 1 {
		sim = 1
	}
	return sim
}

func jaccardDistance(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	intersection := 0
	union := make(map[string]bool, len(setA)+len(setB))
	for k := range setA {
		union[k] = true
		if setB[k] {
			intersection++
		}
	}
	for k := range setB {
		union[k] = true
	}
	if len(union) == 0 {
		return 0
	}
	return 1 - float64(intersection)/float64(len(union))
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

func setDifference(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if !b[k] {
			out[k] = true
		}
	}
	return out
}
