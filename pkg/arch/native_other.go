//go:build !linux || !(amd64 || arm64)

package arch

// Attach is not supported on this platform.
func Attach(tid int) (Tracee, error) {
	return nil, ErrUnsupportedPlatform
}
