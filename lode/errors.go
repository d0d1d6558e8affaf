package lode

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for results-sink failure classification.
var (
	// ErrPermissionDenied is a local permission failure (EACCES).
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound is a missing path, bucket or key.
	ErrNotFound = errors.New("not found")
	// ErrDiskFull is an out-of-space failure (ENOSPC).
	ErrDiskFull = errors.New("no space left on device")
	// ErrTimeout is an operation that timed out.
	ErrTimeout = errors.New("operation timed out")
	// ErrThrottled is rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")
	// ErrAuth is missing or invalid credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrAccessDenied is valid credentials without permission (403).
	ErrAccessDenied = errors.New("access denied")
	// ErrNetwork is a transport failure (refused, DNS).
	ErrNetwork = errors.New("network error")
	// ErrUnclassified is any other storage failure.
	ErrUnclassified = errors.New("storage error")
)

// StorageError wraps a sink failure with its classification.
type StorageError struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches the classification sentinel.
func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// wrap classifies err for op on path. Returns nil for a nil err.
func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: classify(err), Op: op, Path: path, Err: err}
}

// WrapWriteError classifies a write failure.
func WrapWriteError(err error, path string) error { return wrap("write", path, err) }

// WrapReadError classifies a read failure.
func WrapReadError(err error, path string) error { return wrap("read", path, err) }

// WrapInitError classifies a dataset initialisation failure.
func WrapInitError(err error, dataset string) error { return wrap("init", dataset, err) }

type pattern struct {
	kind   error
	substr []string
}

// patterns are checked in order; access-denied precedes the generic
// permission match so S3 403s are not reported as local EACCES.
var patterns = []pattern{
	{ErrAccessDenied, []string{"accessdenied", "forbidden", "403"}},
	{ErrPermissionDenied, []string{"permission denied", "eacces", "access denied"}},
	{ErrNotFound, []string{"no such file", "does not exist", "not found", "enoent", "404", "nosuchkey", "nosuchbucket"}},
	{ErrDiskFull, []string{"no space left", "disk full", "enospc", "quota exceeded"}},
	{ErrTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrThrottled, []string{"slowdown", "rate exceeded", "throttl", "429", "toomanyrequests"}},
	{ErrAuth, []string{"nocredentialproviders", "credentials", "invalidaccesskeyid",
		"signaturedoesnotmatch", "expiredtoken", "401", "unauthorized"}},
	{ErrNetwork, []string{"connection refused", "no route to host", "network unreachable", "dns", "dial tcp"}},
}

func classify(err error) error {
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, s := range p.substr {
			if strings.Contains(msg, s) {
				return p.kind
			}
		}
	}
	return ErrUnclassified
}
