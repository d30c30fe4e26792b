package dedup

import (
	"math"
	"math/bits"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	bigramWeight  = 1
	trigramWeight = 2
	wordWeight    = 3
)

// Fingerprint computes a 64-bit SimHash of text. Character bigrams and
// trigrams of the normalized text plus words of two or more letters are
// hashed with xxhash and summed into a per-bit weighted vote.
func Fingerprint(text string) uint64 {
	var vector [64]int
	for feature, weight := range features(text) {
		h := xxhash.Sum64String(feature)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				vector[i] += weight
			} else {
				vector[i] -= weight
			}
		}
	}

	var fp uint64
	for i := 0; i < 64; i++ {
		if vector[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// Hamming counts differing bits.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// SimilarityPercent maps a Hamming distance onto 0..100.
func SimilarityPercent(distance int) int {
	return int(math.Round((1 - float64(distance)/64) * 100))
}

func features(text string) map[string]int {
	out := make(map[string]int)

	norm := []rune(normalizeForNGrams(text))
	for i := 0; i+2 <= len(norm); i++ {
		out["2g_"+string(norm[i:i+2])] += bigramWeight
	}
	for i := 0; i+3 <= len(norm); i++ {
		out["3g_"+string(norm[i:i+3])] += trigramWeight
	}

	for _, word := range words(text) {
		if len([]rune(word)) >= 2 {
			out["word_"+word] += wordWeight
		}
	}
	return out
}

// normalizeForNGrams drops whitespace and punctuation and lowercases.
func normalizeForNGrams(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// words splits text into lowercased runs of letters.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}
