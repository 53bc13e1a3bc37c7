package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/memora-health/platform/internal/shared/errors"
)

const (
	defaultConfidence = 0.5
	defaultSymmetry   = 0.5
	defaultExpression = "neutral"
	defaultNarrative  = "Analysis completed"
)

// ParseStats describes how much repair a reply needed.
type ParseStats struct {
	// Extracted is true when the object was cut out of surrounding prose.
	Extracted bool
	// Defaulted lists the fields filled with defaults.
	Defaulted []string
}

// ParseFacial turns a model reply into a FacialResult.
func ParseFacial(reply string) (*FacialResult, ParseStats, error) {
	obj, stats, err := decodeObject(reply)
	if err != nil {
		return nil, stats, err
	}

	res := &FacialResult{
		Emotions:       emotions(obj["emotions"]),
		RiskIndicators: stringList(obj["riskIndicators"]),
	}

	features, ok := obj["facialFeatures"].(map[string]any)
	if !ok {
		stats.Defaulted = append(stats.Defaulted, "facialFeatures")
	}
	res.FacialFeatures = FacialFeatures{Symmetry: defaultSymmetry, Expression: defaultExpression}
	if v, ok := number(features["symmetry"]); ok {
		res.FacialFeatures.Symmetry = unitScore(v)
	}
	if v, ok := text(features["expression"]); ok {
		res.FacialFeatures.Expression = v
	}
	if v, ok := number(features["ageEstimate"]); ok && v > 0 {
		res.FacialFeatures.AgeEstimate = v
	}

	res.Analysis = narrative(obj, "analysis", &stats)
	res.Confidence = confidence(obj, &stats)
	return res, stats, nil
}

// ParseSpeech turns a model reply into a SpeechResult.
func ParseSpeech(reply string) (*SpeechResult, ParseStats, error) {
	obj, stats, err := decodeObject(reply)
	if err != nil {
		return nil, stats, err
	}

	res := &SpeechResult{RiskIndicators: stringList(obj["riskIndicators"])}
	res.Transcription, _ = text(obj["transcription"])

	metrics, ok := obj["metrics"].(map[string]any)
	if !ok {
		stats.Defaulted = append(stats.Defaulted, "metrics")
	}
	if v, ok := number(metrics["pauseFrequency"]); ok {
		res.Metrics.PauseFrequency = unitScore(v)
	}
	if v, ok := number(metrics["wordRepetition"]); ok {
		res.Metrics.WordRepetition = unitScore(v)
	}
	if v, ok := number(metrics["clarity"]); ok {
		res.Metrics.Clarity = clamp(v, 0, 100)
	}
	if v, ok := number(metrics["vocabularyRichness"]); ok {
		res.Metrics.VocabularyRichness = clamp(v, 0, 100)
	}
	if v, ok := number(metrics["speechRate"]); ok && v > 0 {
		res.Metrics.SpeechRate = v
	}

	res.Insights = narrative(obj, "insights", &stats)
	res.Confidence = confidence(obj, &stats)
	return res, stats, nil
}

// decodeObject strips code fences and parses the reply as a JSON object,
// falling back to the first balanced {...} substring that parses.
func decodeObject(reply string) (map[string]any, ParseStats, error) {
	var stats ParseStats
	cleaned := stripFences(reply)

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil && obj != nil {
		return obj, stats, nil
	}

	obj, ok := firstBalancedObject(cleaned)
	if !ok {
		return nil, stats, apperrors.ResponseParse(errors.New("no JSON object in model reply"))
	}
	stats.Extracted = true
	return obj, stats, nil
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```JSON", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// firstBalancedObject scans for brace-balanced candidates, ignoring braces
// inside string literals, and returns the first one that decodes.
func firstBalancedObject(s string) (map[string]any, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchingBrace(s, start); end > 0 {
			var obj map[string]any
			if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil && obj != nil {
				return obj, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func matchingBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func confidence(obj map[string]any, stats *ParseStats) float64 {
	if v, ok := number(obj["confidence"]); ok {
		return unitScore(v)
	}
	stats.Defaulted = append(stats.Defaulted, "confidence")
	return defaultConfidence
}

func narrative(obj map[string]any, key string, stats *ParseStats) string {
	if v, ok := text(obj[key]); ok {
		return v
	}
	stats.Defaulted = append(stats.Defaulted, key)
	return defaultNarrative
}

// emotions accepts a list of {emotion|label, confidence|score} objects or a
// {"label": score} map.
func emotions(v any) []Emotion {
	out := []Emotion{}
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			switch e := item.(type) {
			case map[string]any:
				label, ok := firstText(e, "emotion", "label", "name")
				if !ok {
					continue
				}
				score, _ := firstNumber(e, "confidence", "score")
				out = append(out, Emotion{Emotion: label, Confidence: unitScore(score)})
			case string:
				if s := strings.TrimSpace(e); s != "" {
					out = append(out, Emotion{Emotion: s})
				}
			}
		}
	case map[string]any:
		for label, raw := range list {
			score, ok := number(raw)
			if !ok {
				continue
			}
			out = append(out, Emotion{Emotion: label, Confidence: unitScore(score)})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Confidence != out[j].Confidence {
				return out[i].Confidence > out[j].Confidence
			}
			return out[i].Emotion < out[j].Emotion
		})
	}
	return out
}

func stringList(v any) []string {
	out := []string{}
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			switch e := item.(type) {
			case string:
				if s := strings.TrimSpace(e); s != "" {
					out = append(out, s)
				}
			case map[string]any:
				if s, ok := firstText(e, "indicator", "description", "name"); ok {
					out = append(out, s)
				}
			case nil:
			default:
				out = append(out, fmt.Sprint(e))
			}
		}
	case string:
		if s := strings.TrimSpace(list); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstText(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := text(m[k]); ok {
			return s, true
		}
	}
	return "", false
}

func firstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if n, ok := number(m[k]); ok {
			return n, true
		}
	}
	return 0, false
}

func text(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// number accepts JSON numbers and numeric strings such as "85" or "85%".
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// unitScore maps a score into [0,1]; values in (1,100] are read as percentages.
func unitScore(v float64) float64 {
	if v > 1 && v <= 100 {
		v /= 100
	}
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
