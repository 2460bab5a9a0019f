package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"

	domain "github.com/kitchenline/api/internal/domain"
)

// Sender is the slice of the FCM client the dispatcher uses.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenSource resolves the push tokens registered for a user.
type TokenSource interface {
	TokensForUser(ctx context.Context, userID string) ([]string, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context, userID string) ([]string, error)

// TokensForUser implements TokenSource.
func (f TokenSourceFunc) TokensForUser(ctx context.Context, userID string) ([]string, error) {
	return f(ctx, userID)
}

// Logger captures dispatch events without binding to a logging library.
type Logger func(ctx context.Context, event string, fields map[string]any)

// DispatcherDeps wires the FCM sender and token lookup into the dispatcher.
type DispatcherDeps struct {
	Sender Sender
	Tokens TokenSource
	Logger Logger
}

// Dispatcher delivers order notifications over Firebase Cloud Messaging.
// Delivery is best effort; callers treat returned errors as advisory.
type Dispatcher struct {
	sender Sender
	tokens TokenSource
	logger Logger
}

// NewDispatcher validates dependencies and constructs the dispatcher.
func NewDispatcher(deps DispatcherDeps) (*Dispatcher, error) {
	if deps.Sender == nil {
		return nil, errors.New("notifications: sender is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("notifications: token source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Dispatcher{
		sender: deps.Sender,
		tokens: deps.Tokens,
		logger: logger,
	}, nil
}

// NotifyOrderPaid tells the customer their payment was confirmed.
func (d *Dispatcher) NotifyOrderPaid(ctx context.Context, order domain.Order) error {
	return d.send(ctx, order, "Payment confirmed",
		fmt.Sprintf("Order %s is paid and heading to the kitchen.", order.OrderNumber))
}

// NotifyOrderStatus tells the customer about a fulfilment status change.
func (d *Dispatcher) NotifyOrderStatus(ctx context.Context, order domain.Order) error {
	return d.send(ctx, order, "Order update",
		fmt.Sprintf("Order %s is now %s.", order.OrderNumber, order.Status))
}

func (d *Dispatcher) send(ctx context.Context, order domain.Order, title string, body string) error {
	userID := strings.TrimSpace(order.UserID)
	if userID == "" {
		return errors.New("notifications: order has no user")
	}

	tokens, err := d.tokens.TokensForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("notifications: resolve tokens for %s: %w", userID, err)
	}
	if len(tokens) == 0 {
		d.logger(ctx, "notifications.skipped", map[string]any{
			"orderId": order.ID,
			"reason":  "no tokens",
		})
		return nil
	}

	var lastErr error
	delivered := 0
	for _, token := range tokens {
		_, err := d.sender.Send(ctx, &messaging.Message{
			Token: token,
			Notification: &messaging.Notification{
				Title: title,
				Body:  body,
			},
			Data: map[string]string{
				"orderId":     order.ID,
				"orderNumber": order.OrderNumber,
				"status":      string(order.Status),
			},
		})
		if err != nil {
			lastErr = err
			continue
		}
		delivered++
	}

	d.logger(ctx, "notifications.dispatched", map[string]any{
		"orderId":   order.ID,
		"delivered": delivered,
		"tokens":    len(tokens),
	})
	if delivered == 0 && lastErr != nil {
		return fmt.Errorf("notifications: all sends failed for %s: %w", order.ID, lastErr)
	}
	return nil
}
