// Package console prints operator-facing messages and reads operator input.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const defaultWidth = 80

var (
	ruleStyle   = lipgloss.NewStyle().Bold(true)
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	urlStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
)

// Console writes styled text to out and reads answers from in.
type Console struct {
	out   io.Writer
	in    *bufio.Reader
	width int

	// readSecret reads one line without echo. Nil when in is not a terminal.
	readSecret func() (string, error)
}

// New returns a Console. When in is a terminal, secrets are read without
// echo.
func New(in io.Reader, out io.Writer) *Console {
	c := &Console{out: out, in: bufio.NewReader(in), width: defaultWidth}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		c.readSecret = func() (string, error) {
			b, err := term.ReadPassword(fd)
			return string(b), err
		}
	}
	return c
}

// Stdio returns a Console on the process's stdin and stdout.
func Stdio() *Console {
	return New(os.Stdin, os.Stdout)
}

// Rule prints text centered between horizontal rules, preceded by a blank
// line.
func (c *Console) Rule(text string) {
	n := (c.width - len(text) - 2) / 2
	if n < 3 {
		n = 3
	}
	bar := strings.Repeat("─", n)
	fmt.Fprintf(c.out, "\n%s\n", ruleStyle.Render(bar+" "+text+" "+bar))
}

// Println prints text wrapped to the console width.
func (c *Console) Println(text string) {
	fmt.Fprintln(c.out, lipgloss.NewStyle().Width(c.width).Render(text))
}

// Warn prints text in bold red.
func (c *Console) Warn(text string) {
	fmt.Fprintln(c.out, warnStyle.Width(c.width).Render(text))
}

// Exposed announces the public URL for a local address.
func (c *Console) Exposed(local, public string) {
	fmt.Fprintf(c.out, "Exposing %s as %s\n", local, urlStyle.Render(public))
}

// PromptSecret asks for a secret and echoes it back as asterisks.
func (c *Console) PromptSecret(label string) (string, error) {
	fmt.Fprint(c.out, promptStyle.Render(label+": "))

	var (
		secret string
		err    error
	)
	if c.readSecret != nil {
		secret, err = c.readSecret()
		fmt.Fprintln(c.out)
	} else {
		secret, err = c.readLine()
	}
	secret = strings.TrimSpace(secret)
	if err != nil && !(err == io.EOF && secret != "") {
		return "", err
	}

	fmt.Fprintln(c.out, promptStyle.Render(label+": "+strings.Repeat("*", len(secret))))
	return secret, nil
}

// WaitForConfirm prompts until the operator answers yes and then closes the
// returned channel. If input ends first the channel is never closed.
func (c *Console) WaitForConfirm(prompt string) <-chan struct{} {
	confirmed := make(chan struct{})
	go func() {
		for {
			fmt.Fprintln(c.out, promptStyle.Render(prompt+" [y/N]"))
			line, err := c.readLine()
			if isYes(line) {
				close(confirmed)
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return confirmed
}

// Confirm asks a yes/no question once.
func (c *Console) Confirm(prompt string) bool {
	fmt.Fprint(c.out, promptStyle.Render(prompt+" [y/N] "))
	line, _ := c.readLine()
	return isYes(line)
}

// Ask prompts for a line of input, returning def when the answer is empty.
func (c *Console) Ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprint(c.out, promptStyle.Render(fmt.Sprintf("%s [%s]: ", prompt, def)))
	} else {
		fmt.Fprint(c.out, promptStyle.Render(prompt+": "))
	}
	line, err := c.readLine()
	line = strings.TrimSpace(line)
	if err != nil && !(err == io.EOF && line != "") {
		if err == io.EOF {
			return def, nil
		}
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (c *Console) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}
