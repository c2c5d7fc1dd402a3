package hostfs

import (
	"errors"
	"fmt"
)

// MaxIDLength is the number of decimal digits of the largest 32-bit id.
const MaxIDLength = 10

var ErrIDTooLong = errors.New("numeric id out of range")

// IntLen returns the number of decimal digits needed to print n (n >= 0).
func IntLen(n int) int {
	l := 1
	for n >= 10 {
		n /= 10
		l++
	}
	return l
}

// Itoa formats a non-negative integer without pulling in strconv on the hot path.
func Itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + (n % 10))
		n /= 10
	}
	return string(buf[i:])
}

// FormatID renders a uid for use in a path component, enforcing the
// 32-bit bound.
func FormatID(id int) (string, error) {
	if id < 0 || IntLen(id) > MaxIDLength || uint64(id) > 1<<32-1 {
		return "", fmt.Errorf("%w: %d", ErrIDTooLong, id)
	}
	return Itoa(id), nil
}
