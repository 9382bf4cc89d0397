package reporting

import "github.com/denisbrodbeck/machineid"

// EndpointManager tags every outgoing report with a stable per-process
// reporter id, standing in for a fuller per-origin report-to endpoint
// registry. denisbrodbeck/machineid supplies exactly the kind of stable
// endpoint identity that needs and has no other caller in this module.
type EndpointManager struct {
	id string
}

// NewEndpointManager derives a stable reporter id from the host's machine
// id, salted with appID so distinct applications on the same host report
// under distinct identities.
func NewEndpointManager(appID string) (*EndpointManager, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return nil, err
	}
	return &EndpointManager{id: id}, nil
}

// ID returns the stable reporter identity.
func (e *EndpointManager) ID() string {
	return e.id
}
