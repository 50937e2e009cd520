package bus

import "time"

// Send defaults.
const (
	defaultRetryLimit = 3
	defaultRetryDelay = 30 * time.Second
	defaultExpireIn   = time.Hour
)

// Work defaults.
const (
	defaultBatchSize         = 1
	defaultVisibilityTimeout = 15 * time.Minute
	defaultPollInterval      = 2 * time.Second
)

type sendOptions struct {
	priority     int
	retryLimit   int
	retryDelay   time.Duration
	expireIn     time.Duration
	singletonKey string
	groupKey     string
}

func defaultSendOptions() sendOptions {
	return sendOptions{
		retryLimit: defaultRetryLimit,
		retryDelay: defaultRetryDelay,
		expireIn:   defaultExpireIn,
	}
}

// SendOption configures a Send call.
type SendOption func(*sendOptions)

// WithPriority sets the job priority. Higher priority jobs are claimed
// strictly before lower ones on the same queue.
func WithPriority(p int) SendOption {
	return func(o *sendOptions) { o.priority = p }
}

// WithRetryLimit sets the total number of attempts before the job moves
// to failed. Values below 1 are treated as 1 (a job always runs once).
func WithRetryLimit(n int) SendOption {
	return func(o *sendOptions) {
		if n < 1 {
			n = 1
		}
		o.retryLimit = n
	}
}

// WithRetryDelay sets the base delay between attempts. The Nth retry
// waits N times this delay.
func WithRetryDelay(d time.Duration) SendOption {
	return func(o *sendOptions) { o.retryDelay = d }
}

// WithExpireIn caps the job's total lifetime regardless of retries.
func WithExpireIn(d time.Duration) SendOption {
	return func(o *sendOptions) { o.expireIn = d }
}

// WithSingletonKey sets a uniqueness key: at most one job with this key
// may be pending or active on the queue. A conflicting Send resolves to
// the existing job's ID.
func WithSingletonKey(key string) SendOption {
	return func(o *sendOptions) { o.singletonKey = key }
}

// WithGroupKey tags the job with a routing key that consumers can filter
// on (see WithGroupFilter).
func WithGroupKey(key string) SendOption {
	return func(o *sendOptions) { o.groupKey = key }
}

type workOptions struct {
	batchSize         int
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	groupFilter       string
}

func defaultWorkOptions() workOptions {
	return workOptions{
		batchSize:         defaultBatchSize,
		visibilityTimeout: defaultVisibilityTimeout,
		pollInterval:      defaultPollInterval,
	}
}

// WorkOption configures a Work consumer.
type WorkOption func(*workOptions)

// WithBatchSize bounds the number of jobs a consumer holds in flight.
func WithBatchSize(n int) WorkOption {
	return func(o *workOptions) {
		if n < 1 {
			n = 1
		}
		o.batchSize = n
	}
}

// WithVisibilityTimeout bounds how long a claimed job stays invisible
// before the maintenance loop returns it to pending.
func WithVisibilityTimeout(d time.Duration) WorkOption {
	return func(o *workOptions) { o.visibilityTimeout = d }
}

// WithPollInterval sets how often an idle consumer polls for new jobs.
func WithPollInterval(d time.Duration) WorkOption {
	return func(o *workOptions) { o.pollInterval = d }
}

// WithGroupFilter restricts the consumer to jobs whose group key matches.
// Jobs without a group key are never claimed by a filtered consumer.
func WithGroupFilter(key string) WorkOption {
	return func(o *workOptions) { o.groupFilter = key }
}
