package qmp

// SelectBackupDevice picks the block device to use as a drive-backup source.
// Read-only and removable devices never qualify (a cdrom backup is useless
// and would fail anyway). Among the rest, a writable disk-format device wins;
// failing that, any named device is better than refusing outright.
func SelectBackupDevice(devices []BlockDevice) (string, error) {
	var fallback string
	for _, d := range devices {
		if d.Device == "" || d.Removable || d.ReadOnly() {
			continue
		}
		switch d.Format() {
		case "qcow2", "raw":
			return d.Device, nil
		}
		if fallback == "" {
			fallback = d.Device
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", ErrNoBackupDevice
}
