package ai

import (
	"fmt"
	"strings"

	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

type ChunkMode string

const (
	ChunkByWord      ChunkMode = "word"
	ChunkByCharacter ChunkMode = "character"
)

func ParseChunkMode(raw string) (ChunkMode, error) {
	switch ChunkMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ChunkByWord:
		return ChunkByWord, nil
	case ChunkByCharacter:
		return ChunkByCharacter, nil
	}
	return "", fmt.Errorf("%w: chunk_by must be 'word' or 'character'", appErr.ErrInvalid)
}

// SplitText splits text into ordered, non-overlapping chunks. Word mode
// groups whitespace-separated tokens and joins them with single spaces;
// character mode produces fixed-width rune slices with a possibly shorter
// final chunk.
func SplitText(text string, size int, mode ChunkMode) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk_size must be positive", appErr.ErrInvalid)
	}
	switch mode {
	case ChunkByWord:
		words := strings.Fields(text)
		chunks := make([]string, 0, (len(words)+size-1)/size)
		for i := 0; i < len(words); i += size {
			end := i + size
			if end > len(words) {
				end = len(words)
			}
			chunks = append(chunks, strings.Join(words[i:end], " "))
		}
		return chunks, nil
	case ChunkByCharacter:
		runes := []rune(text)
		chunks := make([]string, 0, (len(runes)+size-1)/size)
		for i := 0; i < len(runes); i += size {
			end := i + size
			if end > len(runes) {
				end = len(runes)
			}
			chunks = append(chunks, string(runes[i:end]))
		}
		return chunks, nil
	}
	return nil, fmt.Errorf("%w: unknown chunk mode %q", appErr.ErrInvalid, mode)
}

// CountChunks is the count-only form of SplitText, used to size progress
// tracking before any dispatch happens.
func CountChunks(text string, size int, mode ChunkMode) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: chunk_size must be positive", appErr.ErrInvalid)
	}
	var units int
	switch mode {
	case ChunkByWord:
		units = len(strings.Fields(text))
	case ChunkByCharacter:
		units = len([]rune(text))
	default:
		return 0, fmt.Errorf("%w: unknown chunk mode %q", appErr.ErrInvalid, mode)
	}
	return (units + size - 1) / size, nil
}
