package oracle

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"troublepainter/models"

	"github.com/tidwall/gjson"
)

// MaxGuesses を超えた候補は切り捨てる
const MaxGuesses = 3

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

type rawResult struct {
	Hint       *string            `json:"hint"`
	TopGuesses []string           `json:"topGuesses"`
	Suspicion  map[string]float64 `json:"suspicionScores"`
}

// Parse はモデルの出力テキストから解析結果を取り出します。
// コードフェンスや前後の文章は取り除き、構造が合わなければ ErrMalformedOutput を返します。
func Parse(text string) (models.AnalysisResult, error) {
	body := unwrap(text)
	if body == "" || !gjson.Valid(body) {
		return models.AnalysisResult{}, fmt.Errorf("%w: not a JSON object", ErrMalformedOutput)
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if raw.Hint == nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: missing hint", ErrMalformedOutput)
	}
	if raw.TopGuesses == nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: missing topGuesses", ErrMalformedOutput)
	}
	if raw.Suspicion == nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: missing suspicionScores", ErrMalformedOutput)
	}

	res := models.AnalysisResult{
		Hint:      strings.TrimSpace(*raw.Hint),
		Guesses:   make([]string, 0, MaxGuesses),
		Suspicion: make(map[string]float64, len(raw.Suspicion)),
	}
	for _, g := range raw.TopGuesses {
		if g = strings.TrimSpace(g); g == "" {
			continue
		}
		if len(res.Guesses) == MaxGuesses {
			break
		}
		res.Guesses = append(res.Guesses, g)
	}
	for name, score := range raw.Suspicion {
		if math.IsNaN(score) || math.IsInf(score, 0) {
			return models.AnalysisResult{}, fmt.Errorf("%w: score for %q is not finite", ErrMalformedOutput, name)
		}
		res.Suspicion[name] = clamp(score)
	}
	return res, nil
}

// unwrap はフェンスを外し、最初の '{' から最後の '}' までを返します。
func unwrap(text string) string {
	text = strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
