package sentiment

const (
	EmotionJoy      = "joy"
	EmotionSadness  = "sadness"
	EmotionAnger    = "anger"
	EmotionFear     = "fear"
	EmotionSurprise = "surprise"
	EmotionDisgust  = "disgust"
	EmotionNeutral  = "neutral"

	ToneEmpathetic   = "empathetic"
	ToneCalming      = "calming"
	ToneEnthusiastic = "enthusiastic"
	ToneReassuring   = "reassuring"
	ToneNeutral      = "neutral"

	polarityEmotionThreshold = 0.1
)

var emotionOrder = []string{EmotionJoy, EmotionSadness, EmotionAnger, EmotionFear, EmotionSurprise, EmotionDisgust}

type EmotionDetector struct {
	keywords map[string][]string
}

func NewEmotionDetector() *EmotionDetector {
	return &EmotionDetector{keywords: map[string][]string{
		EmotionJoy:      {"happy", "excited", "great", "awesome", "wonderful", "fantastic"},
		EmotionSadness:  {"sad", "depressed", "down", "upset", "disappointed"},
		EmotionAnger:    {"angry", "mad", "furious", "annoyed", "irritated"},
		EmotionFear:     {"scared", "afraid", "worried", "anxious", "nervous"},
		EmotionSurprise: {"surprised", "amazed", "shocked", "stunned"},
		EmotionDisgust:  {"disgusted", "revolted", "sick", "gross"},
	}}
}

// Detect matches emotion keywords against whole tokens and folds in the
// overall polarity. It never returns an empty slice.
func (d *EmotionDetector) Detect(tokens []string, compound float64) []string {
	present := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		present[tok] = struct{}{}
	}

	found := make(map[string]bool)
	for emotion, words := range d.keywords {
		for _, w := range words {
			if _, ok := present[w]; ok {
				found[emotion] = true
				break
			}
		}
	}
	switch {
	case compound > polarityEmotionThreshold:
		found[EmotionJoy] = true
	case compound < -polarityEmotionThreshold:
		found[EmotionSadness] = true
	}

	var out []string
	for _, emotion := range emotionOrder {
		if found[emotion] {
			out = append(out, emotion)
		}
	}
	if len(out) == 0 {
		return []string{EmotionNeutral}
	}
	return out
}

// ResponseTone picks how the assistant should sound. Sadness outranks anger,
// anger outranks joy, joy outranks fear.
func ResponseTone(emotions []string) string {
	has := func(e string) bool {
		for _, x := range emotions {
			if x == e {
				return true
			}
		}
		return false
	}
	switch {
	case has(EmotionSadness):
		return ToneEmpathetic
	case has(EmotionAnger):
		return ToneCalming
	case has(EmotionJoy):
		return ToneEnthusiastic
	case has(EmotionFear):
		return ToneReassuring
	default:
		return ToneNeutral
	}
}
