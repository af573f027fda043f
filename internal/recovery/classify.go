package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Kind is the error taxonomy used to pick a recovery strategy.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAPI        Kind = "api"
	KindDatabase   Kind = "database"
	KindFile       Kind = "file"
	KindTimeout    Kind = "timeout"
	KindNetwork    Kind = "network"
	KindGeneration Kind = "generation"
	KindUnknown    Kind = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityOf returns the default severity for kind.
func SeverityOf(kind Kind) Severity {
	switch kind {
	case KindTimeout, KindNetwork:
		return SeverityLow
	case KindValidation, KindAPI, KindFile, KindGeneration:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// Error attaches a taxonomy kind to an error. A non-empty Severity
// overrides the kind's default.
type Error struct {
	Kind     Kind
	Op       string
	Err      error
	Severity Severity
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with kind. It returns nil for a nil err.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Critical wraps err so that it always fails the job.
func Critical(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := Classify(err)
	return &Error{Kind: kind, Op: op, Err: err, Severity: SeverityCritical}
}

type rule struct {
	kind     Kind
	patterns []string
}

// rules are matched in order against the lowercased type names of the
// error chain and the error message.
var rules = []rule{
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindNetwork, []string{"connection refused", "connection reset", "network", "no such host", "unreachable", "dial tcp"}},
	{KindDatabase, []string{"database", "sql", "gorm", "constraint", "deadlock"}},
	{KindAPI, []string{"api", "status code", "rate limit", "openai", "unauthorized", "too many requests"}},
	{KindFile, []string{"file", "directory", "permission denied", "patherror"}},
	{KindValidation, []string{"validation", "validate", "invalid"}},
	{KindGeneration, []string{"generation", "generate", "llm", "completion"}},
}

var databaseErrors = []error{
	gorm.ErrRecordNotFound,
	gorm.ErrInvalidTransaction,
	gorm.ErrDuplicatedKey,
	gorm.ErrForeignKeyViolated,
	gorm.ErrInvalidDB,
}

// Classify maps err onto the taxonomy. An explicit *Error kind wins, then
// well-known sentinels and types, then the rule table.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var re *Error
	if errors.As(err, &re) && re.Kind != "" {
		return re.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return KindTimeout
	}
	// syscall.Errno satisfies net.Error, so path errors go first.
	var pe *fs.PathError
	if errors.As(err, &pe) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return KindFile
	}
	for _, target := range databaseErrors {
		if errors.Is(err, target) {
			return KindDatabase
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return KindValidation
	}

	subject := strings.ToLower(typeNames(err) + " " + err.Error())
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(subject, p) {
				return r.kind
			}
		}
	}
	return KindUnknown
}

// severityFor honours an explicit severity on *Error.
func severityFor(err error, kind Kind) Severity {
	var re *Error
	if errors.As(err, &re) && re.Severity != "" {
		return re.Severity
	}
	return SeverityOf(kind)
}

func typeNames(err error) string {
	var names []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		names = append(names, fmt.Sprintf("%T", e))
	}
	return strings.Join(names, " ")
}
