package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/flowpbx/astmrf/internal/auth"
)

// hashPassword reads a password from the first line of r and writes its
// argon2id hash, ready for api-password-hash.
func hashPassword(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("no password given on stdin")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}
