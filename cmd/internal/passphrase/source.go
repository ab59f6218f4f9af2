package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase from an environment variable
// or by prompting the operator. The first result, value or error, is cached.
type Source struct {
	envVar string
	label  string

	// lookup and prompt are swapped out by tests.
	lookup func(string) (string, bool)
	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source for the keystore described by
// label that checks envVar before prompting on the terminal.
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{
		envVar: strings.TrimSpace(envVar),
		label:  label,
		lookup: os.LookupEnv,
		prompt: terminalPrompt(os.Stdin, os.Stderr),
	}
}

// Get returns the cached passphrase or resolves it on first use. An
// environment value is used verbatim; whitespace-only passphrases are
// rejected either way.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookup(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		passphrase, err := s.prompt(s.label)
		if err != nil {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s passphrase required; set %s or run interactively: %w", s.label, s.envVar, err)
			} else {
				s.err = err
			}
			return
		}
		if strings.TrimSpace(passphrase) == "" {
			s.err = fmt.Errorf("%s passphrase cannot be empty", s.label)
			return
		}
		s.value = passphrase
	})
	return s.value, s.err
}

var errNoTerminal = errors.New("no terminal available")

func terminalPrompt(in *os.File, out io.Writer) func(string) (string, error) {
	return func(label string) (string, error) {
		if !term.IsTerminal(int(in.Fd())) {
			return "", errNoTerminal
		}
		fmt.Fprintf(out, "Enter %s passphrase: ", label)
		bytes, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		return string(bytes), nil
	}
}
