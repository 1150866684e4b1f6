package payment

import (
	"errors"
	"fmt"
	"io"
	"os"

	"orderflow/internal/domain/model"
	"orderflow/internal/domain/money"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// catalogFile は支払い方法カタログのYAML表現。金額は文字列で書く。
type catalogFile struct {
	Methods []catalogMethod `yaml:"methods"`
}

type catalogMethod struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Processor  string   `yaml:"processor"`
	Currencies []string `yaml:"currencies"`
	MinAmount  string   `yaml:"min_amount"`
	MaxAmount  string   `yaml:"max_amount"`
	Enabled    *bool    `yaml:"enabled"`
}

// DefaultMethods はカタログ未設定時の支払い方法。
func DefaultMethods() []Method {
	return []Method{
		{ID: "cash", Name: "Cash at counter", Processor: model.ProcessorDirect, Enabled: true},
		{ID: "bank_transfer", Name: "Bank transfer", Processor: model.ProcessorBankTransfer, Enabled: true},
		{ID: "card", Name: "Card", Processor: model.ProcessorOnline, Enabled: true},
	}
}

// LoadMethods はファイルがなければ DefaultMethods を返す。
func LoadMethods(path string) ([]Method, error) {
	if path == "" {
		return DefaultMethods(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultMethods(), nil
		}
		return nil, fmt.Errorf("failed to open payment methods file: %w", err)
	}
	defer f.Close()
	return ParseMethods(f)
}

func ParseMethods(r io.Reader) ([]Method, error) {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("payment methods file is empty")
		}
		return nil, fmt.Errorf("failed to parse payment methods: %w", err)
	}

	seen := make(map[string]bool, len(file.Methods))
	out := make([]Method, 0, len(file.Methods))
	for i, cm := range file.Methods {
		if cm.ID == "" {
			return nil, fmt.Errorf("methods[%d]: id is required", i)
		}
		if seen[cm.ID] {
			return nil, fmt.Errorf("methods[%d]: duplicate id %q", i, cm.ID)
		}
		seen[cm.ID] = true

		p := model.PaymentProcessor(cm.Processor)
		switch p {
		case model.ProcessorDirect, model.ProcessorBankTransfer, model.ProcessorOnline:
		default:
			return nil, fmt.Errorf("methods[%d]: unknown processor %q", i, cm.Processor)
		}

		currencies := make([]string, 0, len(cm.Currencies))
		for _, c := range cm.Currencies {
			code, err := money.NormalizeCurrency(c)
			if err != nil {
				return nil, fmt.Errorf("methods[%d]: %w", i, err)
			}
			currencies = append(currencies, code)
		}

		minAmount, err := parseLimit(cm.MinAmount)
		if err != nil {
			return nil, fmt.Errorf("methods[%d]: min_amount: %w", i, err)
		}
		maxAmount, err := parseLimit(cm.MaxAmount)
		if err != nil {
			return nil, fmt.Errorf("methods[%d]: max_amount: %w", i, err)
		}
		if !maxAmount.IsZero() && maxAmount.LessThan(minAmount) {
			return nil, fmt.Errorf("methods[%d]: max_amount is below min_amount", i)
		}

		enabled := true
		if cm.Enabled != nil {
			enabled = *cm.Enabled
		}

		out = append(out, Method{
			ID:         cm.ID,
			Name:       cm.Name,
			Processor:  p,
			Currencies: currencies,
			MinAmount:  minAmount,
			MaxAmount:  maxAmount,
			Enabled:    enabled,
		})
	}
	return out, nil
}

func parseLimit(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := money.Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}
