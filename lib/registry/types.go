package registry

import "time"

// Field names of the flat KV record.
const (
	fieldUserID        = "user_id"
	fieldOSProfile     = "os_profile"
	fieldImagePath     = "image_path"
	fieldDisplaySocket = "display_socket_path"
	fieldControlSocket = "control_socket_path"
	fieldPidfilePath   = "pidfile_path"
	fieldPID           = "pid"
	fieldBridgePort    = "bridge_port"
	fieldCreatedAt     = "created_at"
	fieldLastSeenAt    = "last_seen_at"
)

// Record is the registry's view of one instance. Everything serializes to
// strings for the KV.
type Record struct {
	InstanceID    string `json:"instance_id"`
	UserID        string `json:"user_id"`
	OSProfile     string `json:"os_profile"`
	ImagePath     string `json:"image_path"`
	DisplaySocket string `json:"display_socket_path"`
	ControlSocket string `json:"control_socket_path"`
	PidfilePath   string `json:"pidfile_path"`
	PID           int    `json:"pid"`
	BridgePort    int    `json:"bridge_port"`
	CreatedAt     string `json:"created_at"`
	LastSeenAt    string `json:"last_seen_at,omitempty"`
}

// CreatedAtMS returns the creation time as Unix milliseconds for index
// scoring. A malformed timestamp scores zero and sorts oldest.
func (r *Record) CreatedAtMS() int64 {
	ts, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return 0
	}
	return ts.UnixMilli()
}
