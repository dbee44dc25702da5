package mathx

import "golang.org/x/exp/constraints"

// CeilDiv returns ceil(a/b); zero when b is zero.
func CeilDiv[T constraints.Unsigned](a, b T) T {
	if b == 0 {
		return 0
	}
	return a/b + min(a%b, 1)
}
