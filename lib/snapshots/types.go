package snapshots

import (
	"fmt"
	"strings"
)

// SnapshotInfo describes one stored snapshot file.
type SnapshotInfo struct {
	Name       string `json:"name"`
	OSProfile  string `json:"os_profile"`
	InstanceID string `json:"instance_id"`
	SizeMB     int64  `json:"size_mb"`
	ModifiedAt string `json:"modified_at"`
}

// CanonicalName composes the snapshot filename for a user/profile/instance
// triplet.
func CanonicalName(userID, osProfile, instanceID string) string {
	return fmt.Sprintf("%s__%s__%s.qcow2", userID, osProfile, instanceID)
}

// parseName splits a canonical snapshot filename into its triplet. Files that
// do not follow the convention report empty profile and instance fields but
// are still listed by name.
func parseName(name string) (osProfile, instanceID string) {
	base := strings.TrimSuffix(name, ".qcow2")
	parts := strings.Split(base, "__")
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}
