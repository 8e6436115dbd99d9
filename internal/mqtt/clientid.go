package mqtt

import (
	"fmt"
	"time"
)

// ClientID builds prefix-hostname-millis. A hostname failure falls back to
// "unknown".
func ClientID(prefix string, hostname func() (string, error), now time.Time) string {
	host, err := hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", prefix, host, now.UnixMilli())
}
