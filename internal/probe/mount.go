package probe

import (
	"context"
	"encoding/json"
)

// IsMountpoint reports whether path is an active mount-table entry.
func (s *Shell) IsMountpoint(ctx context.Context, path string) bool {
	res, err := s.Runner.Run(ctx, s.Timeout, "findmnt", "-J", "--mountpoint", path)
	if err != nil {
		return false
	}
	var out findmntJSON
	if json.Unmarshal(res.Stdout, &out) != nil {
		return false
	}
	return len(out.Filesystems) > 0
}
