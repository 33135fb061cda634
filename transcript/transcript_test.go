package transcript

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello   there", "hello there"},
		{"  hello\t\n there  ", "hello there"},
		{"hel\u200blo", "hello"},
		{"\ufeffhi\u200d there\u2060", "hi there"},
		{"e\u0301", "\u00e9"},
		{"e\u200b\u0301", "\u00e9"},
		{"", ""},
		{"\u200b \u200c", ""},
	}
	for _, tt := range tests {
		got := Normalize(tt.in)
		assert.Equal(t, tt.want, got, "Normalize(%q)", tt.in)
		assert.Equal(t, got, Normalize(got), "Normalize is idempotent for %q", tt.in)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		kind Kind
		text string
	}{
		{"plain text", "hello", Partial, "hello"},
		{"tagged partial", `{"type":"partial","text":"hel"}`, Partial, "hel"},
		{"turn end", `{"type":"turn_end","transcript":"hello there"}`, TurnEnd, "hello there"},
		{"empty turn end", `{"type":"turn_end","transcript":""}`, TurnEnd, ""},
		{"assembly partial", `{"type":"Turn","transcript":"hel","end_of_turn":false}`, Partial, "hel"},
		{"assembly final", `{"type":"Turn","transcript":"Hello.","end_of_turn":true}`, TurnEnd, "Hello."},
		{"begin", `{"type":"Begin","id":"abc"}`, Control, ""},
		{"malformed", `{"type": "partial", "text": `, Partial, `{"type": "partial", "text": `},
		{"unknown tag", `{"type":"Heartbeat"}`, Control, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Parse(websocket.TextMessage, []byte(tt.msg))
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.text, ev.Text)
		})
	}

	ev := Parse(websocket.TextMessage, []byte(`{"type":"Termination","audio_duration_seconds":2.5}`))
	assert.Equal(t, Control, ev.Kind)
	assert.Equal(t, 2.5, ev.AudioDuration)

	assert.Equal(t, Control, Parse(websocket.BinaryMessage, []byte{1, 2}).Kind)
}

func TestFinalTextWinsOverPartials(t *testing.T) {
	p := NewPresenter(nil)
	p.Partial("hel")
	p.Partial("hello th")
	p.Partial("hello there wrong")
	assert.Equal(t, []Unit{{Text: "hello there wrong"}}, p.Units())

	p.TurnEnd("Hello   there.")
	assert.Equal(t, []Unit{{Text: "Hello there.", Final: true}}, p.Units())
}

func TestEmptyFinalFallsBackToLastPartial(t *testing.T) {
	p := NewPresenter(nil)
	p.Partial("hello  there")
	p.TurnEnd("")
	assert.Equal(t, []string{"hello there"}, p.Finals())
}

func TestTurnEndWithoutPartialUsesPlaceholder(t *testing.T) {
	p := NewPresenter(nil)
	p.TurnEnd("")
	p.TurnEnd("just final")
	assert.Equal(t, []Unit{
		{Text: Placeholder, Final: true},
		{Text: "just final", Final: true},
	}, p.Units())
}

func TestPartialAfterTurnEndOpensNewUnit(t *testing.T) {
	p := NewPresenter(nil)
	p.Partial("one")
	p.TurnEnd("one.")
	p.Partial("two")
	p.TurnEnd("")

	units := p.Units()
	require.Len(t, units, 2)
	assert.Equal(t, Unit{Text: "one.", Final: true}, units[0])
	assert.Equal(t, Unit{Text: "two", Final: true}, units[1])
}

func TestApplyIgnoresControl(t *testing.T) {
	p := NewPresenter(nil)
	p.Apply(Event{Kind: Control, Type: "Begin"})
	assert.Empty(t, p.Units())
	p.Apply(Parse(websocket.TextMessage, []byte("hi")))
	p.Apply(Parse(websocket.TextMessage, []byte(`{"type":"turn_end","transcript":""}`)))
	assert.Equal(t, []string{"hi"}, p.Finals())
}

func TestTerminalRenderer(t *testing.T) {
	var buf bytes.Buffer
	p := NewPresenter(&Terminal{W: &buf})
	p.Partial("hello")
	p.TurnEnd("hello world")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\r… hello"))
	assert.True(t, strings.HasSuffix(out, "> hello world\n"))
}
