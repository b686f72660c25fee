//go:build !linux && !darwin

package serialport

// exclusiveOpen is a no-op on platforms without a TIOCEXCL equivalent; the
// OS does not offer kernel-enforced exclusive serial access here; the
// controller's own single-owner-per-port bookkeeping is the only guard.
func exclusiveOpen(p interface{}) error {
	return nil
}
