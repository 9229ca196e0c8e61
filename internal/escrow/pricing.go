package escrow

import "math/bits"

// Pricing constants. The sale token is priced at a fixed ten US cents; the
// oracle answers carry eight decimals and the token mint carries nine.
const (
	TokenPriceUSDCents  = uint64(10)
	OracleUSDDecimals   = 8
	TokenDecimals       = 9
	PaymentUnitLamports = uint64(1_000_000_000)
)

// checkedMulDiv computes a*b/c with the intermediate product widened to 128
// bits. It fails with ErrAmountOverflow when c is zero or when the quotient
// does not fit in 64 bits. The division truncates toward zero.
func checkedMulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrAmountOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, ErrAmountOverflow
	}
	quo, _ := bits.Div64(hi, lo, c)
	return quo, nil
}

func pow10(n uint) uint64 {
	out := uint64(1)
	for i := uint(0); i < n; i++ {
		out *= 10
	}
	return out
}

// TokensForPayment converts a payment in base-asset smallest units and an
// oracle USD price (OracleUSDDecimals fixed precision) into issued token
// smallest units. Each step truncates, which can only undercount the tokens
// issued, never overcount.
func TokensForPayment(paymentLamports, oraclePrice uint64) (uint64, error) {
	// USD value of the payment, still at oracle precision.
	usdValue, err := checkedMulDiv(paymentLamports, oraclePrice, PaymentUnitLamports)
	if err != nil {
		return 0, err
	}

	// Rescale from oracle precision to whole cents.
	usdCents := usdValue / pow10(OracleUSDDecimals-2)

	// Cents to token smallest units at the fixed cents-per-token price.
	return checkedMulDiv(usdCents, pow10(TokenDecimals), TokenPriceUSDCents)
}
