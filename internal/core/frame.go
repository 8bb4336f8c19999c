package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/colastream/internal/domain"
)

// SendFrame marshals f and hands it to the connection's writer.
func SendFrame(conn SignalConnection, f domain.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return conn.TrySend(Frame(b))
}
