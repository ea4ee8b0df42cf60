package cluster

import (
	"encoding/json"

	"github.com/cuemby/jobbroker/pkg/types"
)

func encodeProfile(p *types.ClusterProfile) ([]byte, error) {
	return json.Marshal(p)
}

func decodeProfile(blob []byte) (*types.ClusterProfile, error) {
	var p types.ClusterProfile
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
