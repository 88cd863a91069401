package engine

// DefaultMaxAttempts bounds the effect attempts, retries included, that one
// intent may make.
const DefaultMaxAttempts = 1000

// quota counts effect attempts for one intent. It separates runaway retry
// storms from plans that are merely long: a plan of n steps that never
// retries spends exactly n attempts.
//
// A quota is owned by the goroutine executing its intent.
type quota struct {
	limit   int
	current int
}

func newQuota(limit int) *quota {
	return &quota{limit: limit}
}

// Spend records one attempt and fails once the limit is passed. A limit of
// zero or less disables the check.
func (q *quota) Spend(intentID string) error {
	q.current++
	if q.limit > 0 && q.current > q.limit {
		return quotaExceeded(intentID, q.current, q.limit)
	}
	return nil
}

// Used returns the attempts spent so far.
func (q *quota) Used() int {
	return q.current
}
