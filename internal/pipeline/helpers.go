package pipeline

import (
	"io"
	"strings"

	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// archiveOf reconstructs a job's SchemaContext from its stored archive
// name. A job's Archive field is stamped at enqueue time and survives a
// worker restart, so every stage resolves its schema this way instead of
// re-querying the archive registry on every run.
func archiveOf(job *model.Job) archive.SchemaContext {
	return archive.SchemaFor(job.Archive)
}

// readAll drains rc and closes nothing (callers defer Close themselves);
// it exists only to keep extraction's read-then-decode call sites terse.
func readAll(rc io.Reader) ([]byte, error) {
	return io.ReadAll(rc)
}

// chunkText splits content into word-bounded chunks of roughly size words
// with overlap words repeated at the start of each chunk after the first,
// the embedding stage's chunking strategy per an EmbeddingConfig's
// chunk_size/chunk_overlap. size <= 0 falls back to a single chunk.
func chunkText(content string, size, overlap int) []string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 || size >= len(words) {
		return []string{strings.Join(words, " ")}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	var chunks []string
	step := size - overlap
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
