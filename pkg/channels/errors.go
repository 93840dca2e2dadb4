package channels

import "fmt"

// MalformedRequestError means the webhook body could not be parsed at all.
type MalformedRequestError struct {
	Err error
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed webhook request: %v", e.Err)
}

func (e *MalformedRequestError) Unwrap() error { return e.Err }

// DispatchError is a failed reply. Code and Msg carry the platform's
// rejection when there was one; Err carries transport failures.
type DispatchError struct {
	MessageID string
	Status    int
	Code      int
	Msg       string
	LogID     string
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reply to %s failed: %v", e.MessageID, e.Err)
	}
	return fmt.Sprintf("reply to %s rejected: status=%d code=%d msg=%s", e.MessageID, e.Status, e.Code, e.Msg)
}

func (e *DispatchError) Unwrap() error { return e.Err }
