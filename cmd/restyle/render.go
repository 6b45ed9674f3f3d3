package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ent0n29/restyle/internal/protocol"
	"github.com/ent0n29/restyle/internal/style"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// result accumulates a session's events per style.
type result struct {
	order     []string
	text      map[string]*strings.Builder
	errs      map[string]string
	done      bool
	cancelled bool
}

func newResult() *result {
	return &result{text: map[string]*strings.Builder{}, errs: map[string]string{}}
}

func (r *result) add(ev protocol.Event) error {
	switch {
	case ev.Done:
		r.done = true
		return nil
	case ev.Cancelled:
		r.cancelled = true
		return nil
	case ev.Style == "":
		return nil
	}
	b, ok := r.text[ev.Style]
	if !ok {
		b = &strings.Builder{}
		r.text[ev.Style] = b
		r.order = append(r.order, ev.Style)
	}
	b.WriteString(ev.Delta)
	if ev.Error != "" {
		r.errs[ev.Style] = ev.Error
	}
	return nil
}

func (r *result) render(w io.Writer) {
	for _, tag := range r.order {
		fmt.Fprintln(w, headerStyle.Render(tag))
		if msg, ok := r.errs[tag]; ok {
			fmt.Fprintln(w, errorStyle.Render("error: "+msg))
		} else {
			fmt.Fprintln(w, r.text[tag].String())
		}
		fmt.Fprintln(w)
	}
	if r.cancelled {
		fmt.Fprintln(w, mutedStyle.Render("cancelled"))
	}
}

func renderStyles(w io.Writer, defs []style.Definition) {
	for _, d := range defs {
		fmt.Fprintf(w, "%s %s\n  %s\n", headerStyle.Render(string(d.Name)), mutedStyle.Render(fmt.Sprintf("(temperature %.2f)", d.Temperature)), d.Template)
	}
}
