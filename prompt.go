package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"library-circulation/library"
)

// readPassword reads a password with masking. When stdin is not a terminal
// the first line is used, and LIBRARY_PASSWORD overrides both for scripts.
func readPassword(prompt string) (string, error) {
	if pw := os.Getenv("LIBRARY_PASSWORD"); pw != "" {
		return pw, nil
	}
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	bytePassword, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	fmt.Fprintln(os.Stderr) // newline after masked input
	return strings.TrimSpace(string(bytePassword)), nil
}

// authenticateUser prompts for and verifies a member's password.
func authenticateUser(ctx context.Context, mgr *library.LibraryManager, memberID int64) (*library.Member, error) {
	password, err := readPassword(fmt.Sprintf("Password for member %d: ", memberID))
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return mgr.Authenticate(ctx, memberID, password)
}

// authenticateStaff verifies the --staff member and checks the role.
func (a *app) authenticateStaff(ctx context.Context, mgr *library.LibraryManager) (*library.Member, error) {
	if a.staffID <= 0 {
		return nil, errors.New("this command needs --staff <member id> of a librarian or admin")
	}
	m, err := authenticateUser(ctx, mgr, a.staffID)
	if err != nil {
		return nil, err
	}
	if !m.Role.IsStaff() {
		return nil, fmt.Errorf("member %d is not staff", m.ID)
	}
	return m, nil
}

func newPassword() (string, error) {
	pw, err := readPassword("New password: ")
	if err != nil {
		return "", err
	}
	if os.Getenv("LIBRARY_PASSWORD") != "" || !term.IsTerminal(int(syscall.Stdin)) {
		return pw, nil
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if pw != confirm {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}
