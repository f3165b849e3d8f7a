package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const sid = "0b7c9a52-3f1e-4d6a-9c2b-8e5f1a2d3c4b"

func TestGroupKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		session string
		thread  int
		want    string
	}{
		{"base", sid, 0, sid},
		{"thread", sid, 3, sid + "-topic-3"},
		{"negative thread is base", sid, -1, sid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := GroupKey(tt.session, tt.thread)
			assert.Equal(t, tt.want, key)

			s, n := ParseGroupKey(key)
			assert.Equal(t, tt.session, s)
			if tt.thread > 0 {
				assert.Equal(t, tt.thread, n)
			} else {
				assert.Zero(t, n)
			}
		})
	}
}

func TestParseGroupKeyBadSuffix(t *testing.T) {
	s, n := ParseGroupKey(sid + "-topic-abc")
	assert.Equal(t, sid+"-topic-abc", s)
	assert.Zero(t, n)
}

func TestAttrAccessors(t *testing.T) {
	e := New("r1:tool", ToolCall, time.Now(), sid, 2)
	e.Set(AttrTool, "bash").Set(AttrTokens, 42).Set(AttrIsError, true).Set(AttrDurationMs, float64(1500))

	assert.Equal(t, "bash", e.String(AttrTool))
	assert.Equal(t, "", e.String(AttrPath))

	n, ok := e.Int(AttrTokens)
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	d, ok := e.Int(AttrDurationMs)
	assert.True(t, ok)
	assert.Equal(t, 1500, d)

	_, ok = e.Int(AttrAdded)
	assert.False(t, ok)

	assert.True(t, e.Bool(AttrIsError))
	assert.Equal(t, sid+"-topic-2", e.GroupKey())
}
