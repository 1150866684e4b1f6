package payment

import (
	"strings"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/model"
	"orderflow/internal/domain/money"
)

// validateOrder は全処理系に共通の支払い可否チェック。
func validateOrder(order model.Order, method Method, paymentType model.PaymentType, processor model.PaymentProcessor, caps Capabilities) ValidationResult {
	var errs []apperr.FieldError
	add := func(field, msg string) {
		errs = append(errs, apperr.FieldError{Field: field, Message: msg})
	}

	if order.Status != model.OrderStatusPending {
		add("status", "order is "+string(order.Status))
	}
	if order.PaymentStatus != model.PaymentStatusPending && order.PaymentStatus != model.PaymentStatusFailed {
		add("payment_status", "payment is "+string(order.PaymentStatus))
	}
	if !order.TotalsConsistent() {
		add("total", "total does not match subtotal + tax + shipping - discount")
	}
	if !order.Total.IsPositive() {
		add("total", "must be greater than zero")
	}
	if !money.HasValidPrecision(order.Total, order.Currency) {
		add("total", "too many decimal places for "+order.Currency)
	}

	if !method.Enabled {
		add("payment_method_id", "payment method is disabled")
	}
	if method.Processor != processor {
		add("payment_method_id", "payment method does not belong to "+string(processor))
	}
	if len(method.Currencies) > 0 && !containsFold(method.Currencies, order.Currency) {
		add("currency", order.Currency+" is not supported by this payment method")
	}
	if !method.MinAmount.IsZero() && order.Total.LessThan(method.MinAmount) {
		add("total", "below minimum "+money.Format(method.MinAmount, order.Currency))
	}
	if !method.MaxAmount.IsZero() && order.Total.GreaterThan(method.MaxAmount) {
		add("total", "above maximum "+money.Format(method.MaxAmount, order.Currency))
	}

	switch paymentType {
	case model.PaymentTypeSale:
	case model.PaymentTypeAuthorize:
		if !caps.AuthorizeOnly {
			add("payment_type", "authorize-only is not supported by "+string(processor))
		}
	default:
		add("payment_type", "must be sale or authorize")
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
