package secret

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a signing secret from an environment variable or by
// prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	prompt string

	once  sync.Once
	value string
	err   error

	// overridable in tests
	stdin    *os.File
	stderr   io.Writer
	readPass func(fd int) ([]byte, error)
	isTTY    func(fd int) bool
}

// NewSource constructs a source that checks envVar before interactively
// prompting on the terminal.
func NewSource(envVar, prompt string) *Source {
	return &Source{
		envVar:   strings.TrimSpace(envVar),
		prompt:   prompt,
		stdin:    os.Stdin,
		stderr:   os.Stderr,
		readPass: term.ReadPassword,
		isTTY:    term.IsTerminal,
	}
}

// Get returns the cached secret or resolves it on first use. Whitespace-only
// secrets are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		fd := int(s.stdin.Fd())
		if !s.isTTY(fd) {
			if s.envVar != "" {
				s.err = fmt.Errorf("secret required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("secret required and no terminal available")
			}
			return
		}

		fmt.Fprint(s.stderr, s.prompt)
		raw, err := s.readPass(fd)
		fmt.Fprintln(s.stderr)
		if err != nil {
			s.err = fmt.Errorf("read secret: %w", err)
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = errors.New("secret cannot be empty")
			return
		}
		s.value = string(raw)
	})
	return s.value, s.err
}
