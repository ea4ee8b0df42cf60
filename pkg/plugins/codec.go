package plugins

import (
	"encoding/json"

	"github.com/cuemby/jobbroker/pkg/types"
)

func encodeRecord(r *types.PluginRecord) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(blob []byte) (*types.PluginRecord, error) {
	var r types.PluginRecord
	if err := json.Unmarshal(blob, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
