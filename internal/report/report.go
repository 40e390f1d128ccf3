// Package report prints user-facing progress, separate from the
// diagnostic log.
package report

import (
	"io"
	"sync"

	"github.com/fatih/color"
)

// Reporter receives workflow progress meant for a human.
type Reporter interface {
	Start(msg string)
	Succeed(msg string)
	Fail(msg string)
	Info(msg string)
	// Change reports one file of the change summary; kind is "add",
	// "delete" or "modify".
	Change(kind, path string)
}

// Console writes progress lines to a terminal.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	start, succeed, fail, info *color.Color
	add, del, modify           *color.Color
}

// NewConsole creates a Console writing to out. noColor disables ANSI
// escapes regardless of the terminal.
func NewConsole(out io.Writer, noColor bool) *Console {
	c := &Console{
		out:     out,
		start:   color.New(color.FgCyan),
		succeed: color.New(color.FgGreen),
		fail:    color.New(color.FgRed, color.Bold),
		info:    color.New(color.FgWhite),
		add:     color.New(color.FgGreen),
		del:     color.New(color.FgRed),
		modify:  color.New(color.FgBlue),
	}
	if noColor {
		for _, col := range []*color.Color{c.start, c.succeed, c.fail, c.info, c.add, c.del, c.modify} {
			col.DisableColor()
		}
	}
	return c
}

func (c *Console) line(col *color.Color, symbol, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = col.Fprintf(c.out, "%s %s\n", symbol, msg)
}

func (c *Console) Start(msg string)   { c.line(c.start, "…", msg) }
func (c *Console) Succeed(msg string) { c.line(c.succeed, "✔", msg) }
func (c *Console) Fail(msg string)    { c.line(c.fail, "✖", msg) }
func (c *Console) Info(msg string)    { c.line(c.info, "ℹ", msg) }

func (c *Console) Change(kind, path string) {
	col := c.modify
	switch kind {
	case "add":
		col = c.add
	case "delete":
		col = c.del
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = col.Fprintf(c.out, "  %s: %s\n", kind, path)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Start(string)          {}
func (Nop) Succeed(string)        {}
func (Nop) Fail(string)           {}
func (Nop) Info(string)           {}
func (Nop) Change(string, string) {}
