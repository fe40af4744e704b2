// Package fiscal holds the vocabulary shared by the rule, calculation, ledger
// and obligation packages.
package fiscal

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Operation identifies the commercial operation being taxed.
type Operation string

const (
	OperationVenda            Operation = "venda"
	OperationCompra           Operation = "compra"
	OperationPrestacaoServico Operation = "prestacao_servico"
)

// Valid reports whether the operation is one of the known values.
func (o Operation) Valid() bool {
	switch o {
	case OperationVenda, OperationCompra, OperationPrestacaoServico:
		return true
	}
	return false
}

// CalcMethod selects how a rule turns a taxable base into an amount due.
type CalcMethod string

const (
	MethodPercentual             CalcMethod = "percentual"
	MethodValorFixo              CalcMethod = "valor_fixo"
	MethodMVA                    CalcMethod = "mva"
	MethodReducaoBase            CalcMethod = "reducao_base"
	MethodSubstituicaoTributaria CalcMethod = "substituicao_tributaria"
	MethodIsento                 CalcMethod = "isento"
	MethodNaoIncidencia          CalcMethod = "nao_incidencia"
)

// CalcMethods lists every method accepted on a rule.
var CalcMethods = []CalcMethod{
	MethodPercentual,
	MethodValorFixo,
	MethodMVA,
	MethodReducaoBase,
	MethodSubstituicaoTributaria,
	MethodIsento,
	MethodNaoIncidencia,
}

// Valid reports whether the method is recognised.
func (m CalcMethod) Valid() bool {
	for _, known := range CalcMethods {
		if m == known {
			return true
		}
	}
	return false
}

// ParseCalcMethods parses a comma separated list, ignoring blanks.
func ParseCalcMethods(raw string) []CalcMethod {
	var out []CalcMethod
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		out = append(out, CalcMethod(part))
	}
	return out
}

// Jurisdiction is the level of government that levies a tax type.
type Jurisdiction string

const (
	JurisdictionFederal   Jurisdiction = "federal"
	JurisdictionEstadual  Jurisdiction = "estadual"
	JurisdictionMunicipal Jurisdiction = "municipal"
)

// ClassificationType distinguishes goods from services.
type ClassificationType string

const (
	ClassificationProduto ClassificationType = "produto"
	ClassificationServico ClassificationType = "servico"
)

// TaxLine is one computed tax for one applicable rule.
type TaxLine struct {
	RuleID        int64            `json:"rule_id,omitempty"`
	TaxType       string           `json:"tax_type"`
	TaxCode       string           `json:"tax_code"`
	Base          decimal.Decimal  `json:"base"`
	Rate          decimal.Decimal  `json:"rate"`
	Amount        decimal.Decimal  `json:"amount"`
	CalcMethod    CalcMethod       `json:"calc_method"`
	BaseReduction *decimal.Decimal `json:"base_reduction,omitempty"`
}

// CalculationResult is the immutable outcome of one calculation.
type CalculationResult struct {
	Taxes        []TaxLine       `json:"taxes"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	TotalTax     decimal.Decimal `json:"total_tax"`
	NetAmount    decimal.Decimal `json:"net_amount"`
	CalculatedAt time.Time       `json:"calculated_at"`
}

// MoneyPlaces is the precision tax line amounts are rounded to.
const MoneyPlaces int32 = 2

// RoundMoney rounds half away from zero to centavos.
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyPlaces)
}
