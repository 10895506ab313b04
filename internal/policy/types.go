package policy

import (
	"time"

	"github.com/cleanlyhq/bookingflow/internal/orders"
)

// Policy is one versioned row of cancellation/reschedule terms. At most one
// row per service type is active at a time; editing publishes a new version
// and deactivates the prior one. Orders are unaffected by edits because they
// hold a snapshot taken at booking time.
type Policy struct {
	ServiceType orders.ServiceType `dynamodbav:"service_type"` // PK
	Version     int                `dynamodbav:"version"`      // SK, monotonically increasing per service type
	PolicyID    string             `dynamodbav:"policy_id"`

	NoticeHours                 int  `dynamodbav:"notice_hours"`
	CancellationFeeBps          int  `dynamodbav:"cancellation_fee_bps"`
	RescheduleFeeBps            int  `dynamodbav:"reschedule_fee_bps"`
	AllowCancellation           bool `dynamodbav:"allow_cancellation"`
	AllowReschedule             bool `dynamodbav:"allow_reschedule"`
	AllowRescheduleInsideNotice bool `dynamodbav:"allow_reschedule_inside_notice"`

	Active    bool      `dynamodbav:"active"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

// Snapshot captures the policy by value for attachment to an order.
func (p Policy) Snapshot() orders.PolicySnapshot {
	return orders.PolicySnapshot{
		PolicyID:                    p.PolicyID,
		Version:                     p.Version,
		NoticeHours:                 p.NoticeHours,
		CancellationFeeBps:          p.CancellationFeeBps,
		RescheduleFeeBps:            p.RescheduleFeeBps,
		AllowCancellation:           p.AllowCancellation,
		AllowReschedule:             p.AllowReschedule,
		AllowRescheduleInsideNotice: p.AllowRescheduleInsideNotice,
	}
}
