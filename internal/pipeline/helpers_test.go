package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkTextSingleChunkWhenSizeExceedsWordCount(t *testing.T) {
	chunks := chunkText("the quick brown fox", 10, 2)
	require.Equal(t, []string{"the quick brown fox"}, chunks)
}

func TestChunkTextSplitsWithOverlap(t *testing.T) {
	content := "one two three four five six seven eight"
	chunks := chunkText(content, 4, 1)
	require.Equal(t, []string{
		"one two three four",
		"four five six seven",
		"seven eight",
	}, chunks)
}

func TestChunkTextIgnoresOverlapAtOrAboveSize(t *testing.T) {
	chunks := chunkText("a b c d e f", 2, 2)
	require.Equal(t, []string{"a b", "c d", "e f"}, chunks)
}

func TestChunkTextEmptyContent(t *testing.T) {
	require.Nil(t, chunkText("   ", 4, 1))
}
