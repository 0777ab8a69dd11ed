// Package chunker splits large text inputs into chunks for parallel
// processing and merges the per-chunk results back in input order. Chunk
// boundaries snap to whitespace so no token is ever split across workers.
package chunker

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/stratoml/strato/pkg/stratoerrors"
)

// Below this input length, chunking overhead exceeds the parallelism win
// and the input is processed as a single chunk.
const defaultMinChunkSize = 256

// Chunker divides inputs across a fixed number of workers.
type Chunker struct {
	workers      int
	minChunkSize int
}

// New creates a chunker with the given worker count. A non-positive
// minChunkSize selects the default.
func New(workers, minChunkSize int) (*Chunker, error) {
	if workers < 1 {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"chunker requires at least one worker")
	}
	if minChunkSize <= 0 {
		minChunkSize = defaultMinChunkSize
	}
	return &Chunker{workers: workers, minChunkSize: minChunkSize}, nil
}

// Workers returns the configured worker count.
func (c *Chunker) Workers() int { return c.workers }

// Split divides text into at most c.workers chunks at whitespace
// boundaries. Concatenating the chunks reproduces the input exactly.
// Inputs below the minimum chunk size come back as one chunk.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) < c.minChunkSize || c.workers == 1 {
		return []string{text}
	}

	target := len(text) / c.workers
	if target < c.minChunkSize {
		target = c.minChunkSize
	}

	chunks := make([]string, 0, c.workers)
	rest := text
	for len(rest) > target {
		cut := boundary(rest, target)
		if cut == 0 || cut == len(rest) {
			break
		}
		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// boundary finds a cut point at or after pos that does not split a word or
// a multi-byte rune. Falls back to the nearest rune boundary when the
// remainder has no whitespace.
func boundary(s string, pos int) int {
	if pos >= len(s) {
		return len(s)
	}
	if idx := strings.IndexAny(s[pos:], " \t\n\r"); idx >= 0 {
		// Cut after the whitespace run so the next chunk starts on a word.
		cut := pos + idx
		for cut < len(s) && isSpace(s[cut]) {
			cut++
		}
		return cut
	}
	for pos < len(s) && !utf8.RuneStart(s[pos]) {
		pos++
	}
	return pos
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// Map processes the text's chunks concurrently with fn and concatenates
// the per-chunk results in input order. fn runs once per chunk, possibly
// in parallel, and must be safe for concurrent use. The first error aborts
// the merge; already-running workers finish first.
func Map[T any](c *Chunker, text string, fn func(chunk string) ([]T, error)) ([]T, error) {
	chunks := c.Split(text)
	if len(chunks) == 0 {
		return nil, nil
	}
	if len(chunks) == 1 {
		return fn(chunks[0])
	}

	results := make([][]T, len(chunks))
	errs := make([]error, len(chunks))
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, chunk string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = fn(chunk)
		}(i, chunk)
	}
	wg.Wait()

	total := 0
	for i := range chunks {
		if errs[i] != nil {
			return nil, stratoerrors.Wrap(errs[i], stratoerrors.ErrorTypeInternal,
				"chunk processing failed").WithDetail("chunk", i)
		}
		total += len(results[i])
	}

	merged := make([]T, 0, total)
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nil
}
