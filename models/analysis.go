package models

// AnalysisResult はオラクルの解析結果。Suspicion のキーはプレイヤー名
type AnalysisResult struct {
	Hint      string             `json:"hint"`
	Guesses   []string           `json:"topGuesses"`
	Suspicion map[string]float64 `json:"suspicionScores"`
}

// PlayerView はクライアントへ見せるプレイヤー情報
type PlayerView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Active    bool    `json:"active"`
	Suspicion float64 `json:"suspicion"`
}
