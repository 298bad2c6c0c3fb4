package sacnio

import "github.com/rs/xid"

// ShortID returns a short, sortable, process-unique identifier used to
// correlate log lines and stats labels for a source or receiver
// instance. It is not the sACN CID: CIDs are embedder-supplied and
// must be stable across restarts, whereas this exists purely for
// observability.
func ShortID() string {
	return xid.New().String()
}
