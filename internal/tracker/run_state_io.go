package tracker

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadRunState reads the mirror. A missing file returns nil, nil.
func (w *Writer) LoadRunState() (*RunState, error) {
	b, err := os.ReadFile(w.RunStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rs RunState
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", w.RunStatePath, err)
	}
	return &rs, nil
}
