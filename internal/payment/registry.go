package payment

import (
	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/model"
)

// Registry は支払い方法IDと処理系の対応表。
type Registry struct {
	processors map[model.PaymentProcessor]Processor
	methods    map[string]Method
}

func NewRegistry(methods []Method, processors ...Processor) *Registry {
	r := &Registry{
		processors: make(map[model.PaymentProcessor]Processor, len(processors)),
		methods:    make(map[string]Method, len(methods)),
	}
	for _, p := range processors {
		r.processors[p.Type()] = p
	}
	for _, m := range methods {
		r.methods[m.ID] = m
	}
	return r
}

func (r *Registry) Processor(t model.PaymentProcessor) (Processor, bool) {
	p, ok := r.processors[t]
	return p, ok
}

func (r *Registry) Method(id string) (Method, bool) {
	m, ok := r.methods[id]
	return m, ok
}

// Resolve は支払い方法から処理系を引く。
func (r *Registry) Resolve(methodID string) (Method, Processor, error) {
	m, ok := r.methods[methodID]
	if !ok {
		return Method{}, nil, apperr.PaymentValidationFailed([]apperr.FieldError{
			{Field: "payment_method_id", Message: "unknown payment method"},
		})
	}
	p, ok := r.processors[m.Processor]
	if !ok {
		return Method{}, nil, apperr.PaymentValidationFailed([]apperr.FieldError{
			{Field: "payment_method_id", Message: "payment method is not available"},
		})
	}
	return m, p, nil
}
