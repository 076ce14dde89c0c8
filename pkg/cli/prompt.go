// Package cli provides line-oriented terminal prompts for setup commands.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In, one per line.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	r *bufio.Reader
}

// DefaultPrompter returns a Prompter on stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// line reads the next answer. At end of input it returns "".
func (p *Prompter) line() string {
	if p.r == nil {
		p.r = bufio.NewReader(p.In)
	}
	s, _ := p.r.ReadString('\n')
	return strings.TrimSpace(s)
}

// Ask reads one answer, returning def when the answer is blank.
func (p *Prompter) Ask(question, def string) string {
	if def == "" {
		p.printf("%s: ", question)
	} else {
		p.printf("%s [%s]: ", question, def)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskSecret reads an answer without echo when In is a terminal. Blank
// answers return def, which is never printed.
func (p *Prompter) AskSecret(question, def string) string {
	if def == "" {
		p.printf("%s: ", question)
	} else {
		p.printf("%s [keep generated]: ", question)
	}
	ans := ""
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			ans = strings.TrimSpace(string(b))
		}
	} else {
		ans = p.line()
	}
	if ans == "" {
		return def
	}
	return ans
}

// AskList reads a comma separated answer. Blank items are dropped and a
// blank answer returns nil.
func (p *Prompter) AskList(question string) []string {
	var out []string
	for _, item := range strings.Split(p.Ask(question+" (comma separated)", ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// AskInt asks until it gets a non-negative integer.
func (p *Prompter) AskInt(question string, def int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(def)))
		if err == nil && n >= 0 {
			return n
		}
		p.printf("  Enter a whole number, 0 or more.\n")
	}
}

// Choose lists options and returns the one picked by number or by name.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		mark := " "
		if i == def {
			mark = "*"
		}
		p.printf(" %s %d) %s\n", mark, i+1, opt)
	}
	for {
		ans := p.Ask("Choice", options[def])
		for _, opt := range options {
			if strings.EqualFold(ans, opt) {
				return opt
			}
		}
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		p.printf("  Pick 1-%d or type an option.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(question+" ("+hint+")", "")) {
	case "":
		return def
	case "y", "yes":
		return true
	default:
		return false
	}
}
