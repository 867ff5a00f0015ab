package config

import "fmt"

// Error reports a malformed or inconsistent configuration. When raised while
// loading or expanding a document it is fatal to the whole run; when raised
// for a single job it fails only that job.
type Error struct {
	// Path is the document path, if known.
	Path string
	// Option is the offending option name, if known.
	Option string
	Msg    string
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Option != "":
		return fmt.Sprintf("config error in %s, option %q: %s", e.Path, e.Option, e.Msg)
	case e.Option != "":
		return fmt.Sprintf("config error, option %q: %s", e.Option, e.Msg)
	case e.Path != "":
		return fmt.Sprintf("config error in %s: %s", e.Path, e.Msg)
	}
	return "config error: " + e.Msg
}

// Errorf builds an Error for the named option.
func Errorf(option, format string, args ...any) *Error {
	return &Error{Option: option, Msg: fmt.Sprintf(format, args...)}
}
