// Package timex holds the timestamp convention used on the bus.
package timex

import "time"

// NowMs returns Unix milliseconds; every ts_ms field on the bus uses it.
func NowMs() int64 { return time.Now().UnixMilli() }
