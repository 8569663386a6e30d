package vrrp

import (
	"time"
)

// Centisecond is the resolution of every protocol timer.
const Centisecond = 10 * time.Millisecond

// Checksum computes the 16 bit one's complement Internet checksum of b.
// An odd trailing byte is treated as the high byte of a zero padded word.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// SkewTime returns ((256 - priority) * advInt) / 256, truncated to whole
// centiseconds.
func SkewTime(priority byte, advInt time.Duration) time.Duration {
	cs := int64(advInt / Centisecond)
	return time.Duration((256-int64(priority))*cs/256) * Centisecond
}

// MasterDownInterval returns 3 * advInt + skew.
func MasterDownInterval(advInt, skew time.Duration) time.Duration {
	return 3*advInt + skew
}
