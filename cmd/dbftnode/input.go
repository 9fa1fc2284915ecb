package main

import (
	"os"
	"syscall"

	"golang.org/x/term"
)

// readPassword prompts on stderr and reads a passphrase from the controlling
// terminal without echoing it, mirroring the teacher's cli/input.ReadPassword.
func readPassword(prompt string) (string, error) {
	if _, err := os.Stderr.WriteString(prompt); err != nil {
		return "", err
	}
	b, err := term.ReadPassword(int(syscall.Stdin))
	os.Stderr.WriteString("\n")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
