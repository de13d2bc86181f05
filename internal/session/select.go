package session

import (
	"math/rand"
)

// keywordSalt は同じシードでも犯人とお題の選び方が連動しないようにずらす値
const keywordSalt = 0x5bd1e995

// SelectImpostor は ids から1人を一様に選びます。同じシードなら同じ結果
func SelectImpostor(ids []string, seed int64) string {
	if len(ids) == 0 {
		return ""
	}
	r := rand.New(rand.NewSource(seed))
	return ids[r.Intn(len(ids))]
}

// SelectKeyword は words から1語を一様に選びます。同じシードなら同じ結果
func SelectKeyword(words []string, seed int64) string {
	if len(words) == 0 {
		return ""
	}
	r := rand.New(rand.NewSource(seed ^ keywordSalt))
	return words[r.Intn(len(words))]
}
