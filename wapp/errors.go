package wapp

import "fmt"

// ParseErrorKind classifies container parse failures.
type ParseErrorKind int

const (
	// ParseErrTruncated indicates the file is shorter than its header
	// or declared metadata length requires.
	ParseErrTruncated ParseErrorKind = iota
	// ParseErrBadMagic indicates the file does not start with "WAPP".
	ParseErrBadMagic
	// ParseErrUnsupportedVersion indicates a container version this
	// host does not understand.
	ParseErrUnsupportedVersion
	// ParseErrBadMetadata indicates the metadata block is not a valid
	// UTF-8 JSON object.
	ParseErrBadMetadata
)

func (k ParseErrorKind) String() string {
	switch k {
	case ParseErrTruncated:
		return "truncated"
	case ParseErrBadMagic:
		return "bad magic"
	case ParseErrUnsupportedVersion:
		return "unsupported version"
	case ParseErrBadMetadata:
		return "bad metadata"
	default:
		return "unknown"
	}
}

// ParseError describes why a byte string is not a valid wapp package.
// All parse errors are fatal to the load attempt that produced them.
type ParseError struct {
	Kind ParseErrorKind
	Msg  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
