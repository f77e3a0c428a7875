package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
)

// ErrNoCredentials is returned when the Twilio account sid or token is missing.
var ErrNoCredentials = errors.New("twilio credentials are not configured")

const twilioPageSize = 100

// TwilioLister lists queues through the Twilio REST API.
type TwilioLister struct {
	client *twilio.RestClient
}

// NewTwilioLister creates a lister for the given account.
func NewTwilioLister(accountSID, authToken string) (*TwilioLister, error) {
	if accountSID == "" || authToken == "" {
		return nil, ErrNoCredentials
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioLister{client: client}, nil
}

type listResult struct {
	queues []api.ApiV2010Queue
	err    error
}

// ListQueues fetches every queue of the account. The Twilio SDK does not take
// a context, so cancellation abandons the in-flight request.
func (l *TwilioLister) ListQueues(ctx context.Context) ([]domain.QueueSnapshot, error) {
	params := &api.ListQueueParams{}
	params.SetPageSize(twilioPageSize)

	done := make(chan listResult, 1)
	go func() {
		queues, err := l.client.Api.ListQueue(params)
		done <- listResult{queues: queues, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("twilio list queues: %w", res.err)
		}
		return convertTwilioQueues(res.queues), nil
	}
}

func convertTwilioQueues(in []api.ApiV2010Queue) []domain.QueueSnapshot {
	out := make([]domain.QueueSnapshot, 0, len(in))
	for _, q := range in {
		out = append(out, domain.QueueSnapshot{
			QueueID:         deref(q.Sid),
			FriendlyName:    deref(q.FriendlyName),
			CurrentSize:     derefInt(q.CurrentSize),
			AverageWaitTime: time.Duration(derefInt(q.AverageWaitTime)) * time.Second,
		})
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int) int {
	if v == nil || *v < 0 {
		return 0
	}
	return *v
}
