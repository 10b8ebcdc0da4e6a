// Package logging provides the levelled, coloured logger shared by the vault
// service and the CLI.
//
// Infof is shown with Verbose or Debug, Debugf only with Debug; warnings and
// errors always print. Output goes to Out and Err, which default to stdout
// and stderr. Nothing logged here may contain passwords or key material.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

type Logger struct {
	Verbose bool
	Debug   bool
	Out     io.Writer
	Err     io.Writer
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Out: io.Discard, Err: io.Discard}
}

func (l *Logger) out() io.Writer {
	if l.Out == nil {
		return os.Stdout
	}
	return l.Out
}

func (l *Logger) err() io.Writer {
	if l.Err == nil {
		return os.Stderr
	}
	return l.Err
}

func (l *Logger) Infof(msg string, args ...any) {
	if l == nil || !(l.Verbose || l.Debug) {
		return
	}
	fmt.Fprintf(l.out(), color.GreenString("[info] ")+msg+"\n", args...)
}

func (l *Logger) Debugf(msg string, args ...any) {
	if l == nil || !l.Debug {
		return
	}
	fmt.Fprintf(l.out(), color.CyanString("[debug] ")+msg+"\n", args...)
}

func (l *Logger) Warnf(msg string, args ...any) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.err(), color.YellowString("[warn] ")+msg+"\n", args...)
}

func (l *Logger) Errorf(msg string, args ...any) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.err(), color.RedString("[error] ")+msg+"\n", args...)
}
