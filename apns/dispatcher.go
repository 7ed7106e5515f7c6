package apns

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// UnknownReason is reported when a failed response carries no reason.
const UnknownReason = "unknown error"

const maxResponseBody = 4096

// Doer executes one HTTP request. *Client and *http.Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Delivery pairs a device token with the request built for it. The caller
// decides which tokens are selected; the Dispatcher sends every delivery it
// is given and never reads DeviceToken.Selected.
type Delivery struct {
	Device  *DeviceToken
	Request *PushRequest
}

// Outcome is the result of one device token's request.
type Outcome struct {
	Token      string        `json:"token"`
	Success    bool          `json:"success"`
	Reason     string        `json:"reason,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	APNsID     string        `json:"apns_id,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// Kind is KindTransport when no response arrived and KindServer for any
// non-200 response.
func (o Outcome) Kind() Kind {
	switch {
	case o.Success:
		return KindUnknown
	case o.StatusCode == 0:
		return KindTransport
	default:
		return KindServer
	}
}

// Dispatcher sends one request per selected device token concurrently.
type Dispatcher struct {
	client Doer
}

func NewDispatcher(client Doer) *Dispatcher {
	return &Dispatcher{client: client}
}

// Send issues every delivery at once and streams each outcome as it
// completes. Every token is marked Pending before Send returns. The channel
// is closed after the last outcome. There is no retry; a failure of one
// request does not affect the others.
func (d *Dispatcher) Send(ctx context.Context, deliveries []Delivery) <-chan Outcome {
	var selected []Delivery
	for _, delivery := range deliveries {
		if delivery.Device == nil || delivery.Request == nil {
			continue
		}
		delivery.Device.setState(Pending)
		selected = append(selected, delivery)
	}

	outcomes := make(chan Outcome, len(selected))
	var wg sync.WaitGroup
	for _, delivery := range selected {
		wg.Add(1)
		go func(dl Delivery) {
			defer wg.Done()
			outcome := d.deliver(ctx, dl.Request)
			if outcome.Success {
				dl.Device.setState(Delivered)
			} else {
				dl.Device.setState(Failed)
			}
			outcomes <- outcome
		}(delivery)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()
	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, pr *PushRequest) Outcome {
	start := time.Now()
	outcome := Outcome{Token: pr.Token}

	req, err := pr.HTTPRequest(ctx)
	if err != nil {
		outcome.Err = err
		outcome.Reason = err.Error()
		return outcome
	}

	resp, err := d.client.Do(req)
	outcome.Duration = time.Since(start)
	if err != nil {
		log.Printf("[APNs] Transport error for %s: %v", shortToken(pr.Token), err)
		outcome.Err = err
		outcome.Reason = err.Error()
		return outcome
	}
	defer resp.Body.Close()

	outcome.StatusCode = resp.StatusCode
	outcome.APNsID = resp.Header.Get("apns-id")
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode == http.StatusOK {
		outcome.Success = true
		return outcome
	}

	outcome.Reason = failureReason(body)
	log.Printf("[APNs] Delivery to %s failed with status %d: %s", shortToken(pr.Token), resp.StatusCode, outcome.Reason)
	return outcome
}

func failureReason(body []byte) string {
	var apnsErr struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &apnsErr); err != nil || apnsErr.Reason == "" {
		return UnknownReason
	}
	return apnsErr.Reason
}

func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
