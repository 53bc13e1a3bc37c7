package analysis

import (
	"fmt"
	"strconv"
	"strings"
)

const facialPrompt = `Analyze this facial image for potential Alzheimer's disease indicators. Focus on:
1. Facial expressions and emotional state
2. Facial symmetry and muscle tone
3. Any visible signs of cognitive decline (facial drooping, expression changes, etc.)

%s

Provide a detailed analysis in JSON format with:
- emotions: array of detected emotions with confidence scores (0-1)
- facialFeatures: object with symmetry (0-1), expression (string), ageEstimate (number)
- riskIndicators: array of potential risk indicators found
- analysis: detailed text analysis
- confidence: overall confidence score (0-1)

Return ONLY valid JSON, no markdown formatting.`

const speechPrompt = `Analyze this speech audio for potential Alzheimer's disease indicators. Focus on:
1. Speech clarity and articulation
2. Pause frequency and patterns
3. Word repetition and vocabulary richness
4. Speech rate and fluency
5. Any signs of cognitive decline in speech patterns

%s

Provide a detailed analysis in JSON format with:
- transcription: full text transcription of the speech
- metrics: object with pauseFrequency (0-1), wordRepetition (0-1), clarity (0-100), vocabularyRichness (0-100), speechRate (words per minute)
- riskIndicators: array of potential risk indicators found
- insights: detailed text analysis
- confidence: overall confidence score (0-1)

Return ONLY valid JSON, no markdown formatting.`

// BuildPrompt renders the instruction text for a modality.
func BuildPrompt(modality Modality, pctx *PatientContext) (string, error) {
	switch modality {
	case ModalityFacial:
		return fmt.Sprintf(facialPrompt, contextLine(modality, pctx)), nil
	case ModalitySpeech:
		return fmt.Sprintf(speechPrompt, contextLine(modality, pctx)), nil
	default:
		return "", fmt.Errorf("unknown modality %q", modality)
	}
}

// contextLine renders the patient context verbatim. Speech prompts omit gender.
func contextLine(modality Modality, pctx *PatientContext) string {
	if pctx == nil {
		return ""
	}

	age := "unknown"
	if pctx.Age > 0 {
		age = strconv.Itoa(pctx.Age)
	}
	history := "none"
	if len(pctx.MedicalHistory) > 0 {
		history = strings.Join(pctx.MedicalHistory, ", ")
	}

	if modality == ModalitySpeech {
		return fmt.Sprintf("Patient context: Age %s, Medical history: %s", age, history)
	}

	gender := pctx.Gender
	if gender == "" {
		gender = "unknown"
	}
	return fmt.Sprintf("Patient context: Age %s, Gender: %s, Medical history: %s", age, gender, history)
}
