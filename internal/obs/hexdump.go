package obs

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/die-net/rcat/internal/relay"
)

// HexDump is a relay.Inspector that writes every chunk as a hex dump. Both
// directions of a session share one HexDump, so writes are serialized.
type HexDump struct {
	mu sync.Mutex
	w  io.Writer
	id string
}

// NewHexDump returns an inspector for one session.
func NewHexDump(w io.Writer, id uuid.UUID) *HexDump {
	return &HexDump{w: w, id: id.String()}
}

func (h *HexDump) Inspect(dir relay.Direction, p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, _ = fmt.Fprintf(h.w, "%s %s %d bytes\n", h.id, dir, len(p))
	d := hex.Dumper(h.w)
	_, _ = d.Write(p)
	_ = d.Close()
}
