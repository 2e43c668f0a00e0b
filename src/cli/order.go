package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/not-empty/orderq-go/src/orderq"
)

// Order is the envelope published by `orderq publish` and understood by the
// demo processor.
type Order struct {
	ID     string          `json:"id"`
	Group  string          `json:"group,omitempty"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func newOrderID() string {
	return ulid.Make().String()
}

func encodeOrder(o Order) (string, error) {
	if len(o.Data) == 0 {
		o.Data = nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode order: %w", err)
	}
	return string(b), nil
}

func decodeOrder(job string) (Order, error) {
	var o Order
	if err := json.Unmarshal([]byte(job), &o); err != nil {
		return Order{}, fmt.Errorf("decode order: %w", err)
	}
	if o.ID == "" {
		return Order{}, errors.New("decode order: missing id")
	}
	return o, nil
}

var errOrderOpen = errors.New("order still open")

// Broker reports the execution status of an order.
type Broker interface {
	OrderStatus(ctx context.Context, o Order) (string, error)
}

func isFinal(status string) bool {
	switch status {
	case "filled", "cancelled", "rejected":
		return true
	}
	return false
}

// OrderStatusHandler resolves each order by asking the broker for its status.
// Final orders complete with the status stamped into the payload; open
// grouped orders are recorded incomplete so they are checked again after the
// eviction window.
func OrderStatusHandler(b Broker, log *slog.Logger) orderq.Handler {
	return func(ctx context.Context, jc orderq.JobCtx) (orderq.Outcome, error) {
		o, err := decodeOrder(jc.Job)
		if err != nil {
			log.Warn("dropping malformed job", "consumer", jc.ConsumerID, "error", err)
			return orderq.Acked{}, nil
		}

		status, err := b.OrderStatus(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}

		if !isFinal(status) {
			if o.Group == "" {
				return nil, fmt.Errorf("order %s: %w", o.ID, errOrderOpen)
			}
			return orderq.Incomplete{Group: o.Group}, nil
		}

		if o.Group == "" {
			return orderq.Acked{}, nil
		}
		o.Status = status
		payload, err := encodeOrder(o)
		if err != nil {
			return nil, err
		}
		return orderq.Completed{Group: o.Group, Payload: payload}, nil
	}
}

// DemoBroker reports every order as "open" for its first OpenChecks status
// checks and "filled" afterwards. An order whose data carries a "status"
// field reports that status instead.
type DemoBroker struct {
	OpenChecks int

	mu     sync.Mutex
	checks map[string]int
}

func (b *DemoBroker) OrderStatus(_ context.Context, o Order) (string, error) {
	var data struct {
		Status string `json:"status"`
	}
	if len(o.Data) > 0 && json.Unmarshal(o.Data, &data) == nil && data.Status != "" {
		return data.Status, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.checks == nil {
		b.checks = make(map[string]int)
	}
	b.checks[o.ID]++
	if b.checks[o.ID] <= b.OpenChecks {
		return "open", nil
	}
	return "filled", nil
}
