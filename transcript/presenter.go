// Package transcript turns inbound transcription events into a log of
// display units, one per speaking turn.
package transcript

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Placeholder is shown for a turn that ended without any text.
const Placeholder = "(no speech detected)"

type Unit struct {
	Text  string
	Final bool
}

// Renderer is told about every change to the live unit and every
// finalized turn.
type Renderer interface {
	Live(text string)
	Finalized(text string)
}

type Presenter struct {
	renderer Renderer

	mu          sync.Mutex
	units       []Unit
	live        int // index into units, -1 when no turn is in progress
	lastPartial string
}

// NewPresenter returns a presenter; r may be nil.
func NewPresenter(r Renderer) *Presenter {
	return &Presenter{renderer: r, live: -1}
}

// Partial replaces the live unit's text, opening a unit if none is live.
func (p *Presenter) Partial(text string) {
	text = Normalize(text)

	p.mu.Lock()
	if p.live < 0 {
		p.units = append(p.units, Unit{})
		p.live = len(p.units) - 1
	}
	p.units[p.live].Text = text
	p.lastPartial = text
	p.mu.Unlock()

	if p.renderer != nil {
		p.renderer.Live(text)
	}
}

// TurnEnd freezes the current turn. The final text wins; failing that the
// last partial; failing that the placeholder.
func (p *Presenter) TurnEnd(final string) {
	text := Normalize(final)

	p.mu.Lock()
	if text == "" {
		text = p.lastPartial
	}
	if text == "" {
		text = Placeholder
	}
	if p.live < 0 {
		p.units = append(p.units, Unit{})
		p.live = len(p.units) - 1
	}
	p.units[p.live] = Unit{Text: text, Final: true}
	p.live = -1
	p.lastPartial = ""
	p.mu.Unlock()

	if p.renderer != nil {
		p.renderer.Finalized(text)
	}
}

// Apply routes a parsed event. Control events are ignored.
func (p *Presenter) Apply(ev Event) {
	switch ev.Kind {
	case Partial:
		p.Partial(ev.Text)
	case TurnEnd:
		p.TurnEnd(ev.Text)
	}
}

// Units returns a copy of the visible log, oldest first.
func (p *Presenter) Units() []Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Unit, len(p.units))
	copy(out, p.units)
	return out
}

// Finals returns the text of every finalized turn.
func (p *Presenter) Finals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, u := range p.units {
		if u.Final {
			out = append(out, u.Text)
		}
	}
	return out
}

// Terminal rewrites the live line in place with a carriage return and
// prints finalized turns on their own line.
type Terminal struct {
	W io.Writer

	mu    sync.Mutex
	width int
}

func (t *Terminal) Live(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := "… " + text
	pad := t.width - len(line)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(t.W, "\r%s%s", line, strings.Repeat(" ", pad))
	t.width = len(line)
}

func (t *Terminal) Finalized(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.width > 0 {
		fmt.Fprintf(t.W, "\r%s\r", strings.Repeat(" ", t.width))
	}
	fmt.Fprintf(t.W, "> %s\n", text)
	t.width = 0
}
