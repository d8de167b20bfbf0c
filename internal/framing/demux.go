// Package framing turns the sandbox's combined output stream into records.
//
// The engine inside the container writes one JSON object per line. Output
// arrives in arbitrary chunks, so a Demuxer carries the trailing partial line
// over to the next Feed. Lines that are not JSON objects are dropped without
// failing the run.
package framing

import (
	"bytes"

	"github.com/michaelbrown/jvis/internal/events"
)

// DefaultMaxLine bounds a single record.
const DefaultMaxLine = 4 << 20

// Record is one parsed line of sandbox output.
type Record = events.Event

// Demuxer reassembles newline-delimited records. It is not safe for
// concurrent use; each run owns one.
type Demuxer struct {
	// MaxLine is the longest line kept. Longer lines are dropped up to the
	// next newline. Zero means DefaultMaxLine.
	MaxLine int

	buf      []byte
	skipping bool
	dropped  int
}

// NewDemuxer returns a Demuxer with the default line limit.
func NewDemuxer() *Demuxer {
	return &Demuxer{MaxLine: DefaultMaxLine}
}

// Feed appends chunk and returns the records completed by it, in order.
func (d *Demuxer) Feed(chunk []byte) []Record {
	var out []Record
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.carry(chunk)
			break
		}

		line := chunk[:i]
		chunk = chunk[i+1:]

		if d.skipping {
			d.skipping = false
			d.buf = d.buf[:0]
			continue
		}
		if len(d.buf) > 0 {
			d.buf = append(d.buf, line...)
			line = d.buf
		}
		if rec, ok := d.parse(line); ok {
			out = append(out, rec)
		}
		d.buf = d.buf[:0]
	}
	return out
}

// Flush parses whatever is left once the stream has ended.
func (d *Demuxer) Flush() []Record {
	defer func() {
		d.buf = d.buf[:0]
		d.skipping = false
	}()
	if d.skipping {
		return nil
	}
	if rec, ok := d.parse(d.buf); ok {
		return []Record{rec}
	}
	return nil
}

// Dropped reports how many non-empty lines were discarded.
func (d *Demuxer) Dropped() int {
	return d.dropped
}

func (d *Demuxer) carry(part []byte) {
	if d.skipping {
		return
	}
	d.buf = append(d.buf, part...)
	if len(d.buf) > d.maxLine() {
		d.dropped++
		d.skipping = true
		d.buf = d.buf[:0]
	}
}

func (d *Demuxer) parse(line []byte) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, false
	}
	if len(line) > d.maxLine() {
		d.dropped++
		return Record{}, false
	}
	rec, err := events.FromRecord(line)
	if err != nil {
		d.dropped++
		return Record{}, false
	}
	return rec, true
}

func (d *Demuxer) maxLine() int {
	if d.MaxLine <= 0 {
		return DefaultMaxLine
	}
	return d.MaxLine
}

// Writer adapts a Demuxer to io.Writer, calling emit for every record as
// soon as its line is complete.
type Writer struct {
	d    *Demuxer
	emit func(Record)
}

// NewWriter returns a Writer over d.
func NewWriter(d *Demuxer, emit func(Record)) *Writer {
	return &Writer{d: d, emit: emit}
}

func (w *Writer) Write(p []byte) (int, error) {
	for _, rec := range w.d.Feed(p) {
		w.emit(rec)
	}
	return len(p), nil
}

// Close flushes the trailing partial line.
func (w *Writer) Close() error {
	for _, rec := range w.d.Flush() {
		w.emit(rec)
	}
	return nil
}
