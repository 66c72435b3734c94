// Package confirm asks the operator for a yes/no decision before disruptive
// actions.
package confirm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoInput is returned when the input stream ends before an answer is read.
var ErrNoInput = errors.New("no answer: input closed")

// Gate decides whether a disruptive action may proceed.
type Gate interface {
	Confirm(prompt string) (bool, error)
}

// Prompter asks on out and reads answers from in, one line at a time, until
// it gets an unambiguous yes or no.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

var _ Gate = (*Prompter)(nil)

// NewPrompter returns a Prompter reading from in and writing prompts to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Confirm implements Gate.
func (p *Prompter) Confirm(prompt string) (bool, error) {
	for {
		fmt.Fprintf(p.out, "%s [yes/no]: ", prompt)

		line, err := p.in.ReadString('\n')
		if answer, ok := parse(line); ok {
			return answer, nil
		}
		if err != nil {
			fmt.Fprintln(p.out)
			if errors.Is(err, io.EOF) {
				return false, ErrNoInput
			}
			return false, fmt.Errorf("failed to read answer: %w", err)
		}
		fmt.Fprintln(p.out, "Please answer yes or no.")
	}
}

func parse(s string) (answer, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	}
	return false, false
}

// Bypass approves everything without reading input.
type Bypass struct{}

// Confirm implements Gate.
func (Bypass) Confirm(string) (bool, error) { return true, nil }

// Fixed always returns the same answer.
type Fixed bool

// Confirm implements Gate.
func (f Fixed) Confirm(string) (bool, error) { return bool(f), nil }

// Scripted replays Answers in order and records every prompt it was shown.
// Once the answers run out it returns ErrNoInput.
type Scripted struct {
	Answers []bool
	Prompts []string
}

// Confirm implements Gate.
func (s *Scripted) Confirm(prompt string) (bool, error) {
	s.Prompts = append(s.Prompts, prompt)
	if len(s.Answers) == 0 {
		return false, ErrNoInput
	}
	a := s.Answers[0]
	s.Answers = s.Answers[1:]
	return a, nil
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// ReadSecret prompts on out and reads a line from in without echo.
func ReadSecret(prompt string, in *os.File, out io.Writer) (string, error) {
	fmt.Fprintf(out, "%s: ", prompt)
	defer fmt.Fprintln(out)

	secret, err := term.ReadPassword(int(in.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(prompt), err)
	}
	return strings.TrimSpace(string(secret)), nil
}
