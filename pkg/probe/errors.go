package probe

import (
	"errors"
	"fmt"

	"github.com/supporttools/net-probe/pkg/types"
)

// ErrSocketInUse is returned by a SocketFactory when a socket is already open.
var ErrSocketInUse = errors.New("a probe socket is already open")

// ErrNoIPv4Address is returned when a host resolves only to non-IPv4 addresses.
var ErrNoIPv4Address = errors.New("no IPv4 address found")

// ErrNotConnected is returned by socket I/O before Connect succeeds.
var ErrNotConnected = errors.New("socket is not connected")

// StageError records the iteration stage at which a failure occurred.
type StageError struct {
	Stage types.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage recorded in err, or "" if err carries none.
func StageOf(err error) types.Stage {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
