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

// Source lazily resolves a credential from an explicit value, an environment
// variable or an interactive terminal prompt, in that order. The result is
// cached after the first call.
type Source struct {
	explicit string
	envVar   string
	label    string

	// Prompt reads a secret without echo. Defaults to the controlling terminal.
	Prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source for the named credential.
func NewSource(explicit, envVar, label string) *Source {
	return &Source{
		explicit: strings.TrimSpace(explicit),
		envVar:   strings.TrimSpace(envVar),
		label:    strings.TrimSpace(label),
		Prompt:   promptTerminal(os.Stdin, os.Stderr),
	}
}

// Get returns the cached secret, resolving it on first use. Whitespace-only
// values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.explicit != "" {
			s.value = s.explicit
			return
		}
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}
		if s.Prompt == nil {
			s.err = fmt.Errorf("%s required; set %s", s.label, s.envVar)
			return
		}
		value, err := s.Prompt(s.label)
		if err != nil {
			s.err = err
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = fmt.Errorf("%s cannot be empty", s.label)
			return
		}
		s.value = strings.TrimSpace(value)
	})
	return s.value, s.err
}

func promptTerminal(in *os.File, out io.Writer) func(string) (string, error) {
	return func(label string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New(label + " required and no terminal available")
		}
		fmt.Fprintf(out, "Enter %s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", label, err)
		}
		return string(raw), nil
	}
}
