package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/JohnPlummer/jp-go-agent-resilience"
)

var _ = Describe("Retry", func() {
	var ctx context.Context

	fastRetry := func(attempts int) []resilience.RetryOption {
		return []resilience.RetryOption{
			resilience.WithMaxAttempts(attempts),
			resilience.WithConstantBackoff(time.Millisecond),
			resilience.WithRetryLogger(quietLogger()),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Default configuration", func() {
		It("should use three attempts with exponential backoff", func() {
			config := resilience.DefaultRetryConfig()
			Expect(config.MaxAttempts).To(Equal(3))
			Expect(config.Strategy).To(Equal(resilience.RetryStrategyExponential))
			Expect(config.InitialDelay).To(Equal(time.Second))
			Expect(config.MaxDelay).To(Equal(30 * time.Second))
			Expect(config.Multiplier).To(Equal(2.0))
		})
	})

	Describe("Retry", func() {
		It("should retry transient failures until success", func() {
			attempts := 0
			result, err := resilience.Retry(ctx, func(context.Context) (string, error) {
				attempts++
				if attempts < 3 {
					return "", errBoom
				}
				return "ok", nil
			}, fastRetry(3)...)

			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
			Expect(attempts).To(Equal(3))
		})

		It("should return the last error once attempts are spent", func() {
			attempts := 0
			_, err := resilience.Retry(ctx, func(context.Context) (int, error) {
				attempts++
				return 0, errBoom
			}, fastRetry(4)...)

			Expect(err).To(MatchError(errBoom))
			Expect(attempts).To(Equal(4))
		})

		It("should stop at a breaker rejection", func() {
			attempts := 0
			_, err := resilience.Retry(ctx, func(context.Context) (int, error) {
				attempts++
				return 0, fmt.Errorf("call: %w", resilience.ErrBreakerOpen)
			}, fastRetry(5)...)

			Expect(resilience.IsBreakerOpen(err)).To(BeTrue())
			Expect(attempts).To(Equal(1))
		})

		It("should reject a non-positive attempt budget", func() {
			_, err := resilience.Retry(ctx, func(context.Context) (int, error) {
				return 1, nil
			}, resilience.WithMaxAttempts(0))
			Expect(err).To(MatchError(ContainSubstring("max attempts must be positive")))
		})

		It("should not start when the context is already cancelled", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			attempts := 0
			_, err := resilience.Retry(cancelled, func(context.Context) (int, error) {
				attempts++
				return 1, nil
			}, fastRetry(3)...)
			Expect(err).To(MatchError(context.Canceled))
			Expect(attempts).To(BeZero())
		})

		It("should use a custom classifier", func() {
			attempts := 0
			_, err := resilience.Retry(ctx, func(context.Context) (int, error) {
				attempts++
				return 0, errBoom
			}, append(fastRetry(5), resilience.WithErrorClassifier(resilience.ErrorClassifierFunc(func(err error) bool {
				return !errors.Is(err, errBoom)
			})))...)

			Expect(err).To(MatchError(errBoom))
			Expect(attempts).To(Equal(1))
		})

		It("should support fibonacci and scaled exponential backoff", func() {
			for _, opt := range []resilience.RetryOption{
				resilience.WithFibonacciBackoff(time.Millisecond, 5*time.Millisecond),
				resilience.WithExponentialBackoff(time.Millisecond, 5*time.Millisecond),
			} {
				attempts := 0
				_, err := resilience.Retry(ctx, func(context.Context) (int, error) {
					attempts++
					return 0, errBoom
				}, resilience.WithMaxAttempts(3), opt, resilience.WithMultiplier(1.5),
					resilience.WithRetryLogger(quietLogger()))

				Expect(err).To(MatchError(errBoom))
				Expect(attempts).To(Equal(3))
			}
		})
	})

	Describe("DefaultErrorClassifier", func() {
		classifier := resilience.DefaultErrorClassifier()

		DescribeTable("retry decisions",
			func(err error, retryable bool) {
				Expect(classifier.IsRetryable(err)).To(Equal(retryable))
			},
			Entry("nil", nil, false),
			Entry("plain failure", errBoom, true),
			Entry("per-call timeout", jperrors.NewTimeoutError("operation timed out", "search", time.Second), true),
			Entry("caller cancellation", context.Canceled, false),
			Entry("caller deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false),
			Entry("breaker rejection", resilience.ErrBreakerOpen, false),
		)
	})

	Describe("RetryWrapper", func() {
		It("should track attempts, retries and outcomes", func() {
			failures := 1
			client := &mockClient{executeFunc: func(context.Context, string) (string, error) {
				if failures > 0 {
					failures--
					return "", errBoom
				}
				return "done", nil
			}}
			wrapper := resilience.NewRetryWrapper[string, string](client, fastRetry(3)...)

			resp, err := wrapper.Execute(ctx, "req")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("done"))

			client.executeFunc = func(context.Context, string) (string, error) {
				return "", errBoom
			}
			_, err = wrapper.Execute(ctx, "req")
			Expect(err).To(MatchError(errBoom))

			stats := wrapper.GetRetryStats()
			Expect(stats.TotalAttempts).To(Equal(int64(5)))
			Expect(stats.TotalRetries).To(Equal(int64(3)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
			Expect(stats.TotalFailures).To(Equal(int64(1)))
			Expect(stats.LastError).To(MatchError(errBoom))
			Expect(stats.LastAttemptTime).NotTo(BeZero())
			Expect(client.getCallCount()).To(Equal(5))
		})
	})
})
