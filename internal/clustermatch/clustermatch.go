// Package clustermatch implements the composite ClusterMatchId identifier
// used to address a single match within a container on a node.
package clustermatch

import (
	"strconv"
	"strings"

	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
)

// ID identifies a match as node + container + local match number. The node
// ID is free-form and may itself contain hyphens, so parsing works
// right-to-left: the last two hyphen-separated segments must be numeric,
// and everything before them is the node ID.
type ID struct {
	NodeID       string
	ContainerID  int
	LocalMatchID int
}

// New builds a ClusterMatchId from its parts.
func New(nodeID string, containerID, localMatchID int) ID {
	return ID{NodeID: nodeID, ContainerID: containerID, LocalMatchID: localMatchID}
}

// String renders the composite identifier as "nodeId-containerId-matchId".
func (id ID) String() string {
	return id.NodeID + "-" + strconv.Itoa(id.ContainerID) + "-" + strconv.Itoa(id.LocalMatchID)
}

// Parse reconstructs an ID from its string form. Parsing is right-to-left:
// the final two hyphen-separated segments must parse as integers, and the
// node ID is everything that remains, hyphens included.
func Parse(raw string) (ID, error) {
	parts := strings.Split(raw, "-")
	if len(parts) < 3 {
		return ID{}, errors.InvalidFormat("clusterMatchId", raw)
	}

	n := len(parts)
	localMatchID, err := strconv.Atoi(parts[n-1])
	if err != nil {
		return ID{}, errors.InvalidFormat("clusterMatchId", raw).WithDetails("reason", "non-numeric local match id")
	}
	containerID, err := strconv.Atoi(parts[n-2])
	if err != nil {
		return ID{}, errors.InvalidFormat("clusterMatchId", raw).WithDetails("reason", "non-numeric container id")
	}

	nodeID := strings.Join(parts[:n-2], "-")
	if nodeID == "" {
		return ID{}, errors.InvalidFormat("clusterMatchId", raw).WithDetails("reason", "missing node id")
	}

	return ID{NodeID: nodeID, ContainerID: containerID, LocalMatchID: localMatchID}, nil
}
