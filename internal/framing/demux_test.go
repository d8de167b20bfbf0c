package framing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoRecords = `{"type":"frame","line":3}` + "\n" + `{"type":"stdout","output":"hi"}` + "\n"

func TestFeedEverySplitPoint(t *testing.T) {
	for split := 0; split <= len(twoRecords); split++ {
		d := NewDemuxer()
		var got []Record
		got = append(got, d.Feed([]byte(twoRecords[:split]))...)
		got = append(got, d.Feed([]byte(twoRecords[split:]))...)
		got = append(got, d.Flush()...)

		require.Len(t, got, 2, "split at %d", split)
		assert.Equal(t, "frame", got[0].Type)
		assert.JSONEq(t, `{"type":"frame","line":3}`, string(got[0].Raw()))
		assert.Equal(t, "stdout", got[1].Type)
		assert.Equal(t, "hi", got[1].Output)
	}
}

func TestFeedByteAtATime(t *testing.T) {
	d := NewDemuxer()
	var got []Record
	for i := 0; i < len(twoRecords); i++ {
		got = append(got, d.Feed([]byte{twoRecords[i]})...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "frame", got[0].Type)
	assert.Equal(t, "stdout", got[1].Type)
}

func TestMalformedLineIsDropped(t *testing.T) {
	d := NewDemuxer()
	got := d.Feed([]byte("not-json\n" + `{"type":"stdout","output":"ok"}` + "\n"))
	got = append(got, d.Flush()...)

	require.Len(t, got, 1)
	assert.Equal(t, "stdout", got[0].Type)
	assert.Equal(t, "ok", got[0].Output)
	assert.Equal(t, 1, d.Dropped())
}

func TestBlankLinesAndWhitespace(t *testing.T) {
	d := NewDemuxer()
	got := d.Feed([]byte("\n\r\n   \n" + `  {"type":"stdout","output":"x"}  ` + "\r\n"))
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Output)
	assert.Zero(t, d.Dropped())
}

func TestFlushParsesTrailingRecord(t *testing.T) {
	d := NewDemuxer()
	assert.Empty(t, d.Feed([]byte(`{"type":"end"}`)))

	got := d.Flush()
	require.Len(t, got, 1)
	assert.Equal(t, "end", got[0].Type)

	// Flush resets the carry-over.
	assert.Empty(t, d.Flush())
}

func TestFlushDropsTrailingGarbage(t *testing.T) {
	d := NewDemuxer()
	d.Feed([]byte(`{"type":"frame","line":`))
	assert.Empty(t, d.Flush())
	assert.Equal(t, 1, d.Dropped())
}

func TestOverlongLineIsSkipped(t *testing.T) {
	d := &Demuxer{MaxLine: 32}
	long := `{"type":"stdout","output":"` + strings.Repeat("a", 100) + `"}`

	var got []Record
	got = append(got, d.Feed([]byte(long[:40]))...)
	got = append(got, d.Feed([]byte(long[40:]+"\n"))...)
	got = append(got, d.Feed([]byte(`{"type":"x"}`+"\n"))...)

	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Type)
	assert.Equal(t, 1, d.Dropped())
}

func TestWriterEmitsInOrder(t *testing.T) {
	var types []string
	w := NewWriter(NewDemuxer(), func(r Record) { types = append(types, r.Type) })

	n, err := w.Write([]byte(twoRecords[:10]))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	_, err = w.Write([]byte(twoRecords[10:] + `{"type":"end"}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, []string{"frame", "stdout", "end"}, types)
}
