package reliability

import (
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	connectRetryBase = 200 * time.Millisecond
	connectRetryCap  = 2 * time.Second
)

// ConnectBackoff allows attempts connect tries in total, waiting
// exponentially longer between them up to a fixed cap.
func ConnectBackoff(attempts int) retry.Backoff {
	retries := uint64(0)
	if attempts > 1 {
		retries = uint64(attempts - 1)
	}
	return retry.WithMaxRetries(retries, retry.WithCappedDuration(connectRetryCap, retry.NewExponential(connectRetryBase)))
}
