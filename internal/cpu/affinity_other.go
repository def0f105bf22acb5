//go:build !linux && !windows

package cpu

// macOS and the BSDs do not expose hard thread affinity.
func pinToCore(int) error {
	return ErrPinningUnsupported
}
