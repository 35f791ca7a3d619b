package sse

import (
	"strings"
)

const dataPrefix = "data: "

// Decoder turns a sequence of text chunks, split at arbitrary byte
// boundaries, into the ordered sequence of data-frame payloads they
// contain. It keeps the trailing unterminated line in a carry-over buffer
// between calls, so feeding the same stream in any chunking yields the
// same frames. It never drops a byte and it never fails: lines without the
// data prefix (keep-alives, comments) are silently discarded.
type Decoder struct {
	carry strings.Builder
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes the next chunk and returns every frame completed by it, in
// arrival order.
func (d *Decoder) Feed(chunk string) []string {
	if chunk == "" {
		return nil
	}

	var frames []string
	for {
		idx := strings.IndexByte(chunk, '\n')
		if idx < 0 {
			d.carry.WriteString(chunk)
			return frames
		}

		d.carry.WriteString(chunk[:idx])
		line := d.carry.String()
		d.carry.Reset()
		chunk = chunk[idx+1:]

		if frame, ok := frameFromLine(line); ok {
			frames = append(frames, frame)
		}
	}
}

// Flush drains a final frame left unterminated when the stream closed
// without a trailing newline.
func (d *Decoder) Flush() (string, bool) {
	line := d.carry.String()
	d.carry.Reset()
	return frameFromLine(line)
}

func frameFromLine(line string) (string, bool) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	return line[len(dataPrefix):], true
}
