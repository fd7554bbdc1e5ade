// Package ingestion implements the resumable import pipeline (4.R):
// deterministic text chunking, batched vectorization, and the directory
// import orchestration. Grounded on data_import_service.py's
// import_directory/_split_document, restructured onto the teacher's
// ingestion package shape.
package ingestion

import "strings"

// Chunking parameters, fixed per the split_document algorithm: a single
// deterministic pass over the character stream, never re-tuned at runtime.
const (
	TargetChunkSize = 1024
	MinChunkSize    = 800
	MaxChunkSize    = 1200
	ChunkOverlap    = 100
	markerWindow    = 200
)

// splitMarkers are tried in priority order when searching for a natural
// break point near the target chunk boundary.
var splitMarkers = []string{
	"\n\n\n", "\n\n",
	"。\n", "！\n", "？\n", "；\n",
	"。", "！", "？", "；", "：",
	"\n",
}

// Chunk is one piece of split content, in document order.
type Chunk struct {
	Content string
	Index   int
}

// Split partitions content into chunks of roughly TargetChunkSize
// characters using a single deterministic forward pass:
//
//  1. The initial target end is start+TargetChunkSize.
//  2. If the remainder is shorter than MinChunkSize, it is appended to the
//     current chunk and splitting stops.
//  3. If the target end reaches or passes the end of the content, the rest
//     is taken as the final chunk.
//  4. Otherwise a split marker is searched for within
//     [target_end-markerWindow, target_end+markerWindow], in priority
//     order: a forward match that keeps the chunk at or under MaxChunkSize
//     wins; failing that, a backward match that keeps the chunk at or above
//     MinChunkSize wins; failing that, the cut is made hard at target_end.
//
// The next chunk starts at max(split_point-ChunkOverlap, start+MinChunkSize).
func Split(content string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	runes := []rune(content)
	n := len(runes)

	var chunks []Chunk
	start := 0
	for start < n {
		remaining := n - start
		if remaining < MinChunkSize {
			chunks = appendChunk(chunks, runes, start, n)
			break
		}

		targetEnd := start + TargetChunkSize
		if targetEnd >= n {
			chunks = appendChunk(chunks, runes, start, n)
			break
		}

		splitAt := findSplit(runes, start, targetEnd)

		chunks = appendChunk(chunks, runes, start, splitAt)

		next := splitAt - ChunkOverlap
		if minNext := start + MinChunkSize; next < minNext {
			next = minNext
		}
		if next <= start {
			next = splitAt
		}
		start = next
	}

	return chunks
}

// findSplit locates the character offset at which to cut the chunk
// beginning at start, given an unconstrained target end. Markers are tried
// in priority order; for each marker a forward match is tried before a
// backward match, and only if neither direction matches does the search
// move on to the next, lower-priority marker. This means a higher-priority
// marker's backward match wins over a lower-priority marker's forward
// match.
func findSplit(runes []rune, start, targetEnd int) int {
	n := len(runes)
	windowStart := targetEnd - markerWindow
	if windowStart < start {
		windowStart = start
	}
	windowEnd := targetEnd + markerWindow
	if windowEnd > n {
		windowEnd = n
	}

	for _, marker := range splitMarkers {
		if at, ok := forwardMatch(runes, targetEnd, windowEnd, marker, start, targetEnd); ok {
			return at
		}
		if at, ok := backwardMatch(runes, windowStart, targetEnd, marker, start); ok {
			return at
		}
	}
	return targetEnd
}

// forwardMatch searches for marker starting at targetEnd and moving toward
// windowEnd, returning the offset just after the marker provided the
// resulting chunk stays at or under MaxChunkSize.
func forwardMatch(runes []rune, from, to int, marker string, chunkStart, _ int) (int, bool) {
	markerRunes := []rune(marker)
	for i := from; i+len(markerRunes) <= to; i++ {
		if runesEqual(runes[i:i+len(markerRunes)], markerRunes) {
			end := i + len(markerRunes)
			if end-chunkStart <= MaxChunkSize {
				return end, true
			}
		}
	}
	return 0, false
}

// backwardMatch searches for marker starting at targetEnd and moving
// toward windowStart, returning the offset just after the marker provided
// the resulting chunk stays at or above MinChunkSize.
func backwardMatch(runes []rune, from, to int, marker string, chunkStart int) (int, bool) {
	markerRunes := []rune(marker)
	for i := to - len(markerRunes); i >= from; i-- {
		if i < 0 {
			break
		}
		if runesEqual(runes[i:i+len(markerRunes)], markerRunes) {
			end := i + len(markerRunes)
			if end-chunkStart >= MinChunkSize {
				return end, true
			}
		}
	}
	return 0, false
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func appendChunk(chunks []Chunk, runes []rune, start, end int) []Chunk {
	text := strings.TrimSpace(string(runes[start:end]))
	if text == "" {
		return chunks
	}
	return append(chunks, Chunk{Content: text, Index: len(chunks)})
}
