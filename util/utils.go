package util

import (
	"time"
)

// Cascade returns the first non-nil error of a sequence of calls, ex.
// Cascade(store.Open(), elector.Open()).
func Cascade(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func NowInMS() int64 {
	return time.Now().UnixNano() / (int64(time.Millisecond) / int64(time.Nanosecond))
}
