package transcript

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/gorilla/websocket"
)

type Kind int

const (
	// Control events carry no transcript text (session begin/termination,
	// binary payloads, unknown tagged objects).
	Control Kind = iota
	Partial
	TurnEnd
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case TurnEnd:
		return "turn_end"
	}
	return "control"
}

type Event struct {
	Kind Kind
	Text string
	// Type is the tag of a structured message, empty for plain text.
	Type string
	// AudioDuration is reported by termination events, in seconds.
	AudioDuration float64
}

type wireEvent struct {
	Type          string   `json:"type"`
	Text          *string  `json:"text"`
	Transcript    *string  `json:"transcript"`
	EndOfTurn     bool     `json:"end_of_turn"`
	AudioDuration *float64 `json:"audio_duration_seconds"`
}

// Parse decodes one inbound message. It never fails: anything that is not
// a recognised tagged object is shown as partial text.
func Parse(messageType int, data []byte) Event {
	if messageType == websocket.BinaryMessage {
		return Event{Kind: Control}
	}

	raw := string(data)
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Event{Kind: Partial, Text: raw}
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		slog.Debug("Unparseable transcript event, showing as text", "error", err)
		return Event{Kind: Partial, Text: raw}
	}

	switch strings.ToLower(w.Type) {
	case "partial":
		return Event{Kind: Partial, Type: w.Type, Text: firstOf(w.Text, w.Transcript)}
	case "turn_end", "final":
		return Event{Kind: TurnEnd, Type: w.Type, Text: firstOf(w.Transcript, w.Text)}
	case "turn":
		kind := Partial
		if w.EndOfTurn {
			kind = TurnEnd
		}
		return Event{Kind: kind, Type: w.Type, Text: firstOf(w.Transcript, w.Text)}
	case "begin", "termination":
		ev := Event{Kind: Control, Type: w.Type}
		if w.AudioDuration != nil {
			ev.AudioDuration = *w.AudioDuration
		}
		return ev
	case "":
		if w.Text != nil || w.Transcript != nil {
			return Event{Kind: Partial, Text: firstOf(w.Text, w.Transcript)}
		}
		return Event{Kind: Partial, Text: raw}
	}
	return Event{Kind: Control, Type: w.Type}
}

func firstOf(vals ...*string) string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}
