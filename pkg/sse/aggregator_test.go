package sse

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out the underlying bytes in fixed-size pieces.
type chunkReader struct {
	data []byte
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func buildStream(deltas []string, convIDs []string) string {
	var b strings.Builder
	b.WriteString("event: ping\n\n")
	for i, d := range deltas {
		conv := convIDs[i%len(convIDs)]
		fmt.Fprintf(&b, "data: {\"event\":\"message\",\"answer\":%q,\"conversation_id\":%q}\n\n", d, conv)
	}
	b.WriteString("data: {\"event\":\"message_end\"}\n")
	b.WriteString("data: [DONE]\n")
	return b.String()
}

func TestAggregateReassemblesAcrossChunkBoundaries(t *testing.T) {
	deltas := []string{"风水", "布局 ", "analysis: ", "財位在东南", "✓ done"}
	convIDs := []string{"conv-1", "conv-2", "conv-3"}
	stream := buildStream(deltas, convIDs)
	want := strings.Join(deltas, "")
	wantConv := convIDs[(len(deltas)-1)%len(convIDs)]

	for size := 1; size <= 64; size++ {
		t.Run(fmt.Sprintf("chunk_%d", size), func(t *testing.T) {
			res, err := Aggregate(&chunkReader{data: []byte(stream), size: size}, nil)
			require.NoError(t, err)
			assert.Equal(t, want, res.FullAnswer)
			assert.Equal(t, wantConv, res.ConversationID)
			assert.False(t, res.Partial)
		})
	}
}

func TestAggregateOneByteReader(t *testing.T) {
	stream := buildStream([]string{"东", "南", "西", "北"}, []string{"c"})
	res, err := Aggregate(iotest.OneByteReader(strings.NewReader(stream)), nil)
	require.NoError(t, err)
	assert.Equal(t, "东南西北", res.FullAnswer)
}

func TestAggregateStreamWithoutTerminator(t *testing.T) {
	stream := "data: {\"answer\":\"a\"}\ndata: {\"answer\":\"b\",\"conversation_id\":\"x\"}"
	res, err := Aggregate(strings.NewReader(stream), nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", res.FullAnswer)
	assert.Equal(t, "x", res.ConversationID)
}

func TestAggregatePartialStream(t *testing.T) {
	for n := 0; n <= 4; n++ {
		t.Run(fmt.Sprintf("deltas_%d", n), func(t *testing.T) {
			var b strings.Builder
			var want strings.Builder
			for i := 0; i < n; i++ {
				d := fmt.Sprintf("part%d;", i)
				want.WriteString(d)
				fmt.Fprintf(&b, "data: {\"answer\":%q}\n", d)
			}
			r := io.MultiReader(strings.NewReader(b.String()), iotest.ErrReader(syscall.ECONNRESET))

			res, err := Aggregate(r, nil)
			if n == 0 {
				require.Error(t, err)
				var se *StreamError
				require.True(t, errors.As(err, &se))
				assert.True(t, errors.Is(err, syscall.ECONNRESET))
				assert.False(t, errors.Is(err, ErrEmptyAnswer))
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Partial)
			assert.Equal(t, want.String(), res.FullAnswer)
			assert.NotEmpty(t, res.Diagnostics.Transport)
		})
	}
}

func TestAggregateAbortIncludesFirstErrorPayload(t *testing.T) {
	stream := "data: {\"event\":\"error\",\"status\":429,\"message\":\"quota exceeded\"}\n"
	r := io.MultiReader(strings.NewReader(stream), iotest.ErrReader(syscall.ECONNRESET))

	_, err := Aggregate(r, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestAggregateEmptyAnswerIsDistinct(t *testing.T) {
	stream := "data: {\"event\":\"error\",\"status\":400,\"message\":\"bad input\"}\n" +
		"data: {\"event\":\"message_end\",\"conversation_id\":\"c1\"}\n"

	_, err := Aggregate(strings.NewReader(stream), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyAnswer))
	var se *StreamError
	assert.False(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "bad input")
}

func TestAggregateSkipsMalformedAndForeignLines(t *testing.T) {
	stream := strings.Join([]string{
		": comment",
		"event: message",
		"data: {not json",
		"data: {\"answer\":\"ok\"}",
		"id: 7",
		"data:",
		"",
	}, "\n")

	res, err := Aggregate(strings.NewReader(stream), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.FullAnswer)
	assert.Equal(t, 1, res.Diagnostics.Malformed)
	assert.Equal(t, 1, res.Diagnostics.Events)
}

func TestAggregateKeepsFirstErrorOnlyAndBoundedSample(t *testing.T) {
	var b strings.Builder
	b.WriteString("data: {\"event\":\"error\",\"message\":\"first\"}\n")
	b.WriteString("data: {\"event\":\"error\",\"message\":\"second\"}\n")
	for i := 0; i < 10; i++ {
		b.WriteString("data: {\"answer\":\"x\"}\n")
	}

	res, err := Aggregate(strings.NewReader(b.String()), nil)
	require.NoError(t, err)
	assert.Contains(t, string(res.Diagnostics.FirstError), "first")
	assert.Len(t, res.Diagnostics.Sample, 5)
	assert.Equal(t, 12, res.Diagnostics.Events)
	assert.Equal(t, strings.Repeat("x", 10), res.FullAnswer)
}

func TestReaderBoundsLineLength(t *testing.T) {
	long := "data: {\"answer\":\"" + strings.Repeat("a", 2048) + "\"}\n"
	rd := NewReader(strings.NewReader(long), 512, nil)

	_, err := AggregateReader(rd)
	require.Error(t, err)
	var se *StreamError
	assert.True(t, errors.As(err, &se))
}

func TestReaderNextIsLazy(t *testing.T) {
	rd := NewReader(strings.NewReader("data: {\"answer\":\"a\",\"conversation_id\":\"c\"}\ndata: {\"answer\":\"b\"}\n"), 0, nil)

	ev, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Answer)
	assert.Equal(t, "c", ev.ConversationID)

	ev, err = rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", ev.Answer)

	_, err = rd.Next()
	assert.Equal(t, io.EOF, err)
}
