// README: Common money value object used across modules. Amounts are in the minor unit (paise for INR).
package types

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}
