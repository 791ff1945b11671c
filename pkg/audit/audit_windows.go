//go:build windows

package audit

// checkDiskSpace on Windows returns nil as disk space checking is not
// implemented there. Audit operations proceed without the verification.
func (l *Logger) checkDiskSpace() error {
	return nil
}
