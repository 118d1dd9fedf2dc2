package invoke

import "fmt"

// Returned by a typed accessor when the parameter holds a different kind.
type TypeMismatchError struct {
	Name string
	Want Kind
	Have Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("parameter %q: want %s, have %s", e.Name, e.Want, e.Have)
}

// Returned by any access to a parameter whose value has been moved out.
type AlreadyConsumedError struct {
	Name string
}

func (e *AlreadyConsumedError) Error() string {
	return fmt.Sprintf("parameter %q: value already consumed", e.Name)
}

// Returned by Decode/Unmarshal for input that does not form a valid invocation.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed invocation: %s: %v", e.Reason, e.Err)
	}
	return "malformed invocation: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) error {
	return &MalformedMessageError{Reason: reason, Err: err}
}
