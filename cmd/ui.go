package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// terminalUI asks on stdin when it is a terminal and declines otherwise.
type terminalUI struct {
	mu          sync.Mutex
	in          *bufio.Reader
	out         io.Writer
	assumeYes   bool
	interactive bool
}

func newTerminalUI(assumeYes bool) *terminalUI {
	fd := os.Stdin.Fd()
	return &terminalUI{
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stderr,
		assumeYes:   assumeYes,
		interactive: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

func (u *terminalUI) Prompt(message string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.assumeYes {
		fmt.Fprintf(u.out, "%s? yes (--yes)\n", message)
		return true
	}
	if !u.interactive {
		fmt.Fprintf(u.out, "%s? no (stdin is not a terminal, pass --yes to confirm)\n", message)
		return false
	}
	fmt.Fprintf(u.out, "%s? [y/N] ", message)
	line, err := u.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (u *terminalUI) Message(message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintln(u.out, message)
}
