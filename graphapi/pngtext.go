package graphapi

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// maxTextChunk bounds a single tEXt chunk. Embedded prompts are a few KiB;
// a workflow with many nodes stays well under this.
const maxTextChunk = 8 << 20

var (
	// ErrNoEmbeddedPrompt is returned for images saved without prompt metadata.
	ErrNoEmbeddedPrompt = errors.New("image has no embedded prompt")

	ErrTextChunkTooLarge = errors.New("tEXt chunk too large")
)

// ReadPNGText returns the tEXt chunks of a PNG stream, keyed by keyword.
// SaveImage stores the executed prompt under "prompt" and the UI workflow
// under "workflow".
func ReadPNGText(r io.Reader) (map[string]string, error) {
	header := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header, pngSignature) {
		return nil, errors.New("not a valid PNG file")
	}

	chunks := make(map[string]string)
	for {
		var length uint32
		err := binary.Read(r, binary.BigEndian, &length)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		chunkType := make([]byte, 4)
		if _, err := io.ReadFull(r, chunkType); err != nil {
			return nil, err
		}

		if string(chunkType) == "tEXt" {
			if length > maxTextChunk {
				return nil, fmt.Errorf("%w: %d bytes", ErrTextChunkTooLarge, length)
			}
			data := make([]byte, length)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, err
			}
			keywordEnd := bytes.IndexByte(data, 0)
			if keywordEnd == -1 {
				return nil, errors.New("malformed tEXt chunk")
			}
			chunks[string(data[:keywordEnd])] = string(data[keywordEnd+1:])
		} else if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}

		// CRC
		if _, err := io.CopyN(io.Discard, r, 4); err != nil {
			return nil, err
		}
		if string(chunkType) == "IEND" {
			break
		}
	}
	return chunks, nil
}

// PromptFromPNG recovers the prompt graph a generated image was made from.
func PromptFromPNG(r io.Reader) (*Prompt, error) {
	chunks, err := ReadPNGText(r)
	if err != nil {
		return nil, err
	}
	text, ok := chunks["prompt"]
	if !ok {
		return nil, ErrNoEmbeddedPrompt
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	nodes := make(map[string]PromptNode)
	if err := dec.Decode(&nodes); err != nil {
		return nil, fmt.Errorf("decoding embedded prompt: %w", err)
	}
	return &Prompt{Nodes: nodes}, nil
}
