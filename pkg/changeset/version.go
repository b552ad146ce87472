package changeset

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a "where the target is up to, w.r.t. this source" watermark:
// the changeset id plus its monotonic index. The zero value (empty id,
// index -1) means "never synchronized".
type Version struct {
	ChangesetID string
	Index       int64
}

// Never is the watermark meaning "no synchronization has happened yet".
var Never = Version{ChangesetID: "", Index: -1}

// String renders v in its persisted form "<changesetId>;<changesetIndex>".
func (v Version) String() string {
	return fmt.Sprintf("%s;%d", v.ChangesetID, v.Index)
}

// ParseVersion parses the persisted watermark form. An empty string parses
// to Never, matching the documented "empty string + index -1 means never".
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return Never, nil
	}
	parts := strings.SplitN(s, ";", 2)
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("changeset: malformed watermark %q", s)
	}
	idx, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Version{}, fmt.Errorf("changeset: malformed watermark index in %q: %w", s, err)
	}
	return Version{ChangesetID: parts[0], Index: idx}, nil
}
