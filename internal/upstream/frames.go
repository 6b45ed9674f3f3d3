package upstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// DoneToken terminates a chat-completions event stream.
const DoneToken = "[DONE]"

type FrameKind int

const (
	FrameChunk FrameKind = iota + 1
	FrameDone
)

// Chunk is the part of a completion chunk the workers care about: the first
// choice's content delta and its finish reason (nil while generation continues).
type Chunk struct {
	Delta        string
	FinishReason *string
}

type Frame struct {
	Kind  FrameKind
	Chunk Chunk
}

type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// FrameReader yields decoded frames from an event stream. Keep-alives and
// blank lines are skipped; payloads that are not valid JSON are dropped and
// reading resumes at the next line.
type FrameReader struct {
	scanner *bufio.Scanner
	dropped int
}

func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &FrameReader{scanner: scanner}
}

// Next returns the next chunk or done frame, or io.EOF when the stream ends.
func (fr *FrameReader) Next() (Frame, error) {
	for fr.scanner.Scan() {
		line := strings.TrimSpace(fr.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data := line
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if data == DoneToken {
			return Frame{Kind: FrameDone}, nil
		}

		var payload chunkPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			fr.dropped++
			continue
		}
		if len(payload.Choices) == 0 {
			continue
		}
		choice := payload.Choices[0]
		chunk := Chunk{FinishReason: choice.FinishReason}
		if choice.Delta.Content != nil {
			chunk.Delta = *choice.Delta.Content
		}
		return Frame{Kind: FrameChunk, Chunk: chunk}, nil
	}
	if err := fr.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("stream read: %w", err)
	}
	return Frame{}, io.EOF
}

// Dropped counts malformed payloads skipped so far.
func (fr *FrameReader) Dropped() int { return fr.dropped }
