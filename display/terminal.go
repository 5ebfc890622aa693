package display

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Terminal renders frames as plain text lines, one frame per Present.
// It stands in for the e-ink panel when the engine runs as a desktop
// process.
type Terminal struct {
	mu    sync.Mutex
	out   io.Writer
	width int
	lines map[int]string
	order []int
}

// NewTerminal creates a Terminal writing frames to out.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{
		out:   out,
		width: 60,
		lines: make(map[int]string),
	}
}

// Size reports a fixed 60x20 text surface.
func (t *Terminal) Size() (int, int) { return t.width, 20 }

// Clear drops the pending frame.
func (t *Terminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = make(map[int]string)
	t.order = t.order[:0]
}

// DrawCenteredText places text centered on row y.
func (t *Terminal) DrawCenteredText(y int, text string) {
	pad := (t.width - len(text)) / 2
	if pad < 0 {
		pad = 0
	}
	t.setLine(y, strings.Repeat(" ", pad)+text)
}

// DrawText places text at column x on row y.
func (t *Terminal) DrawText(x, y int, text string) {
	if x < 0 {
		x = 0
	}
	t.setLine(y, strings.Repeat(" ", x)+text)
}

// DrawProgressBar renders value/max as a bracketed bar on row y.
func (t *Terminal) DrawProgressBar(x, y, width, _ int, value, max uint64) {
	if width < 4 {
		width = 4
	}
	inner := width - 2
	filled := 0
	if max > 0 {
		filled = int(uint64(inner) * value / max)
		if filled > inner {
			filled = inner
		}
	}
	bar := "[" + strings.Repeat("#", filled) + strings.Repeat("-", inner-filled) + "]"
	t.DrawText(x, y, bar)
}

// Present writes the composed frame.
func (t *Terminal) Present() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, y := range t.order {
		fmt.Fprintln(t.out, t.lines[y])
	}
	fmt.Fprintln(t.out)
}

func (t *Terminal) setLine(y int, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.lines[y]; !seen {
		t.order = append(t.order, y)
	}
	t.lines[y] = text
}
