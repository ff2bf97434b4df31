//go:build !linux

package storage

// SystemMemInfo is only implemented on linux; elsewhere cache growth requests fail the check
func SystemMemInfo() (*MemInfo, error) {
	return nil, ErrMemInfo
}
