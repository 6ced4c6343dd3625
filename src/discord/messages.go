package discord

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxDiscordMessageLen = 2000
	SafeChunkLen         = 1900
)

// SplitMessage breaks text into chunks that fit a single Discord message.
// Paragraph breaks are preferred, then line breaks, then spaces; a word longer
// than a chunk is cut on rune boundaries.
func SplitMessage(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= MaxDiscordMessageLen {
		return []string{text}
	}

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	add := func(piece, sep string) {
		if current.Len() > 0 && current.Len()+len(sep)+len(piece) > SafeChunkLen {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(piece)
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		if len(paragraph) <= SafeChunkLen {
			add(paragraph, "\n\n")
			continue
		}
		for _, line := range strings.Split(paragraph, "\n") {
			if len(line) <= SafeChunkLen {
				add(line, "\n")
				continue
			}
			for _, word := range strings.Fields(line) {
				for _, part := range splitLongWord(word, SafeChunkLen) {
					add(part, " ")
				}
			}
		}
	}
	flush()
	return chunks
}

func splitLongWord(word string, limit int) []string {
	if len(word) <= limit {
		return []string{word}
	}
	var parts []string
	for len(word) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(word[cut]) {
			cut--
		}
		parts = append(parts, word[:cut])
		word = word[cut:]
	}
	if word != "" {
		parts = append(parts, word)
	}
	return parts
}
