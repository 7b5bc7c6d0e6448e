// Package retry implements the retry policy of consumers: a bounded number
// of attempts with backoff between them, a filter for retryable errors and
// an overall timeout.
package retry
