package connector

import (
	"fmt"
	"strings"
)

// SudoPrefix runs cmd through a root shell keeping the caller's environment.
func SudoPrefix(cmd string) string {
	return fmt.Sprintf("sudo -E sh -c %s", ShellEscape(cmd))
}

// ShellEscape single-quotes arg for a POSIX shell.
func ShellEscape(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// ShellQuote quotes arg only when the shell would otherwise interpret it.
func ShellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	for _, r := range arg {
		if !isShellSafe(r) {
			return ShellEscape(arg)
		}
	}
	return arg
}

// ShellJoin renders argv as a single shell command line.
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("@%+=:,./-_", r)
}
