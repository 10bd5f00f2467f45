package screencapture

import (
	"slices"
)

// CustomOption is an option understood by a particular backend, see the
// Option* types of the aperture package.
type CustomOption = any
type CustomOptions []CustomOption

// GetCustomOption returns the last option of type T, so options appended
// later override the earlier ones.
func GetCustomOption[T any](opts CustomOptions) (T, bool) {
	for _, opt := range slices.Backward(opts) {
		if v, ok := opt.(T); ok {
			return v, true
		}
	}

	var zeroValue T
	return zeroValue, false
}
