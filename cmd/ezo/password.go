package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// passwordEnv supplies the password non-interactively.
const passwordEnv = "EZO_PASSWORD"

var stdin = bufio.NewReader(os.Stdin)

// readPassword reads a password from $EZO_PASSWORD, the terminal without
// echo, or one line of stdin when it is not a terminal.
func readPassword(prompt string) (string, error) {
	if pw, ok := os.LookupEnv(passwordEnv); ok {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// newPassword reads a new password, asking twice on a terminal.
func newPassword(prompt string) (string, error) {
	pw, err := readPassword(prompt)
	if err != nil {
		return "", err
	}
	if _, ok := os.LookupEnv(passwordEnv); ok || !term.IsTerminal(int(os.Stdin.Fd())) {
		return pw, nil
	}
	again, err := readPassword("Repeat: ")
	if err != nil {
		return "", err
	}
	if again != pw {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}
