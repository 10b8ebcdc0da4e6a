package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// prompter reads secrets without echo from a terminal, or line by line when
// input is piped.
type prompter struct {
	in     io.Reader
	out    io.Writer
	reader *bufio.Reader
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, out: out}
}

func (p *prompter) password(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)

	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}

	if p.reader == nil {
		p.reader = bufio.NewReader(p.in)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// newPassword asks twice and requires both entries to match.
func (p *prompter) newPassword(prompt string) (string, error) {
	pw, err := p.password(prompt)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	confirm, err := p.password("Confirm password: ")
	if err != nil {
		return "", fmt.Errorf("read confirmation password: %w", err)
	}
	if pw != confirm {
		return "", userError{msg: "passwords do not match"}
	}
	return pw, nil
}
