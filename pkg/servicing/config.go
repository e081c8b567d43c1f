package servicing

import (
	"github.com/shopspring/decimal"

	"github.com/crediflow/crediflow/pkg/models"
)

// Config carries the runtime policy for the engine: the active late-fee
// policy, the overpayment rule and the batch/retry budgets. It is normally
// populated from system configuration by the caller.
type Config struct {
	FeePolicy models.FeePolicy

	// RejectExcess refuses payments larger than what is currently due as of
	// the payment date. When unset, the excess is credited forward to the
	// next installments. A payment larger than the loan's entire outstanding
	// obligation is always refused.
	RejectExcess bool

	// BatchWorkers bounds the parallelism of the overdue processor.
	BatchWorkers int

	// RetryAttempts bounds internal reload-and-reapply cycles on version
	// conflicts before the error is surfaced to the caller.
	RetryAttempts int
}

// DefaultConfig returns a sensible policy: 1% daily late fee after a 3-day
// grace period, overpayments credited forward.
func DefaultConfig() Config {
	return Config{
		FeePolicy: models.FeePolicy{
			Type:      models.FeePercentageDaily,
			Value:     decimal.NewFromFloat(0.01),
			GraceDays: 3,
		},
		RejectExcess:  false,
		BatchWorkers:  4,
		RetryAttempts: 3,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchWorkers <= 0 {
		c.BatchWorkers = 4
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	return c
}
