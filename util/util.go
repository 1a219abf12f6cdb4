package util

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	homeDir     string
	homeDirErr  error
	homeDirOnce sync.Once
)

// Home returns the home directory for the current user.
// It caches the result for subsequent calls.
func Home() (string, error) {
	homeDirOnce.Do(func() {
		u, err := user.Current()
		if err == nil && u.HomeDir != "" {
			homeDir = u.HomeDir
			return
		}
		homeDir, homeDirErr = homeUnix()
	})
	return homeDir, homeDirErr
}

func homeUnix() (string, error) {
	if home := os.Getenv("HOME"); home != "" {
		return home, nil
	}

	var stdout bytes.Buffer
	cmd := exec.Command("sh", "-c", "eval echo ~$USER")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", errors.Wrap(err, "failed to run shell command for home directory")
	}

	result := strings.TrimSpace(stdout.String())
	if result == "" {
		return "", errors.New("blank output when reading home directory via shell")
	}
	return result, nil
}

// ExpandHome replaces a leading "~/" with the home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// WaitUntil polls cond every step until it reports true or timeout elapses.
// cond is always evaluated at least once. The result is false when the
// timeout expires or ctx is cancelled first.
func WaitUntil(ctx context.Context, cond func() bool, timeout, step time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// GetenvOrDefault retrieves the value of the environment variable named by the key.
// If the variable is not present or empty, it returns the defaultValue.
func GetenvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// TruncateString shortens a string to a maximum length, appending an ellipsis if truncation occurs.
// The ellipsis counts towards the maxLength.
func TruncateString(s string, maxLength int, ellipsis string) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= len(ellipsis) {
		if maxLength < 0 {
			maxLength = 0
		}
		return ellipsis[:maxLength]
	}
	return s[:maxLength-len(ellipsis)] + ellipsis
}

// UniqueStrings returns a new slice containing only the unique strings from the input slice.
// The order of the first appearance of each string is preserved.
func UniqueStrings(slice []string) []string {
	if len(slice) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(slice))
	result := make([]string, 0, len(slice))
	for _, str := range slice {
		if _, ok := seen[str]; !ok {
			seen[str] = struct{}{}
			result = append(result, str)
		}
	}
	return result
}

// FirstNonEmpty returns the first non-empty string from a list of strings.
func FirstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}

func IsErrPipeClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) ||
		(err != nil && strings.Contains(err.Error(), "file already closed")) ||
		(err != nil && strings.Contains(err.Error(), "pipe already closed"))
}
