package fleet

import (
	"errors"

	"github.com/absmach/fedsim/pkg/remote"
)

type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleParticipant Role = "participant"
)

var errNotConnected = errors.New("client is not connected")

// ClientDescriptor is one federated participant. It is fixed at assembly
// except for the connection, which the fleet attaches on Connect and
// releases on Teardown.
type ClientDescriptor struct {
	Name       string
	Host       remote.Host
	Role       Role
	FCUsername string
	DataPaths  []string

	conn remote.Executor
}

func (c *ClientDescriptor) IsCoordinator() bool {
	return c.Role == RoleCoordinator
}

func (c *ClientDescriptor) String() string {
	return c.Name + " (" + c.Host.String() + ")"
}

func (c *ClientDescriptor) executor() (remote.Executor, error) {
	if c.conn == nil {
		return nil, errNotConnected
	}

	return c.conn, nil
}
