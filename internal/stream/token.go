// Package stream reveals an already-complete model response to the UI
// incrementally, so the experience resembles token-by-token generation even
// though the underlying completion call is not streamed.
package stream

import "unicode"

// Tokenize splits s into alternating word and whitespace-run tokens.
// Concatenating the tokens in order reproduces s exactly, so a reveal that
// stops at any token boundary leaves a strict prefix of the original text.
func Tokenize(s string) []string {
	if s == "" {
		return nil
	}

	var tokens []string
	start := 0
	inSpace := false
	for i, r := range s {
		isSpace := unicode.IsSpace(r)
		if i == 0 {
			inSpace = isSpace
			continue
		}
		if isSpace != inSpace {
			tokens = append(tokens, s[start:i])
			start = i
			inSpace = isSpace
		}
	}
	return append(tokens, s[start:])
}
