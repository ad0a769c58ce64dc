package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaymentRequestValidate(t *testing.T) {
	valid := "11111111-1111-1111-1111-111111111111"

	tests := []struct {
		name    string
		req     PaymentRequest
		wantErr bool
	}{
		{"valid", PaymentRequest{CorrelationID: valid, Amount: 19.90}, false},
		{"zero amount", PaymentRequest{CorrelationID: valid, Amount: 0}, false},
		{"missing id", PaymentRequest{Amount: 10}, true},
		{"short id", PaymentRequest{CorrelationID: "abc", Amount: 10}, true},
		{"negative amount", PaymentRequest{CorrelationID: valid, Amount: -1}, true},
		{"three decimals", PaymentRequest{CorrelationID: valid, Amount: 1.001}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTryOrderPrefersDefault(t *testing.T) {
	bothHealthy := HealthSnapshot{}
	require.Equal(t, []Processor{ProcessorDefault, ProcessorFallback}, bothHealthy.TryOrder())

	defaultDown := HealthSnapshot{Default: ProcessorHealth{IsFailing: true}}
	require.Equal(t, []Processor{ProcessorFallback}, defaultDown.TryOrder())

	bothDown := HealthSnapshot{
		Default:  ProcessorHealth{IsFailing: true},
		Fallback: ProcessorHealth{IsFailing: true},
	}
	require.Empty(t, bothDown.TryOrder())
}
