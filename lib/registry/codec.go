package registry

import "strconv"

// toMap flattens a record for HSET. Zero-valued optional fields are still
// written so a later read reconstructs the same record.
func toMap(r *Record) map[string]string {
	return map[string]string{
		fieldUserID:        r.UserID,
		fieldOSProfile:     r.OSProfile,
		fieldImagePath:     r.ImagePath,
		fieldDisplaySocket: r.DisplaySocket,
		fieldControlSocket: r.ControlSocket,
		fieldPidfilePath:   r.PidfilePath,
		fieldPID:           strconv.Itoa(r.PID),
		fieldBridgePort:    strconv.Itoa(r.BridgePort),
		fieldCreatedAt:     r.CreatedAt,
		fieldLastSeenAt:    r.LastSeenAt,
	}
}

// fromMap rebuilds a record from a HGETALL reply. Unparseable numerics come
// back zero rather than failing the read; a corrupt pid just means the
// liveness check treats the instance as dead.
func fromMap(id string, m map[string]string) *Record {
	pid, _ := strconv.Atoi(m[fieldPID])
	port, _ := strconv.Atoi(m[fieldBridgePort])
	return &Record{
		InstanceID:    id,
		UserID:        m[fieldUserID],
		OSProfile:     m[fieldOSProfile],
		ImagePath:     m[fieldImagePath],
		DisplaySocket: m[fieldDisplaySocket],
		ControlSocket: m[fieldControlSocket],
		PidfilePath:   m[fieldPidfilePath],
		PID:           pid,
		BridgePort:    port,
		CreatedAt:     m[fieldCreatedAt],
		LastSeenAt:    m[fieldLastSeenAt],
	}
}
