package replication

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth reports that a peer rejected the shared API key.
	ErrAuth = errors.New("replication: api key rejected")
	// ErrTopology reports that the node mode forbids the requested operation.
	ErrTopology = errors.New("replication: operation forbidden by node mode")
)

// TransportError wraps network failures, timeouts and 5xx responses. A cycle
// that fails with a TransportError is retried from the same cursor.
type TransportError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("replication transport %s: peer status %d: %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("replication transport %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed body, a schema mismatch or an unexpected envelope code.
type ProtocolError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("replication protocol %s: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("replication protocol %s: %s: %v", e.Operation, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is expected to clear on a later cycle.
func IsTransient(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsProtocol reports whether err came from a malformed or unexpected peer response.
func IsProtocol(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}
