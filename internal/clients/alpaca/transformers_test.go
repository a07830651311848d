package alpaca

import (
	"errors"
	"net/http"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/aristath/daytrader/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestRoundToPenny(t *testing.T) {
	testCases := []struct {
		name     string
		in       float64
		expected string
	}{
		{"sub-penny float noise", 27.06999969482422, "27.07"},
		{"already round", 150.00, "150"},
		{"half cent rounds up", 10.005, "10.01"},
		{"truncates deep fractions", 3.14159, "3.14"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, roundToPenny(tc.in).String())
		})
	}
}

func TestFromAlpacaStatus(t *testing.T) {
	testCases := []struct {
		in       string
		expected domain.OrderStatus
	}{
		{"new", domain.OrderAccepted},
		{"accepted", domain.OrderAccepted},
		{"pending_new", domain.OrderSubmitted},
		{"partially_filled", domain.OrderPartialFill},
		{"filled", domain.OrderFilled},
		{"canceled", domain.OrderCancelled},
		{"rejected", domain.OrderRejected},
		{"expired", domain.OrderExpired},
		{"held", domain.OrderSubmitted}, // unknown states stay conservative
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.expected, fromAlpacaStatus(tc.in))
		})
	}
}

func TestTranslateError(t *testing.T) {
	testCases := []struct {
		name     string
		in       error
		expected error
	}{
		{
			"unauthorized",
			&alpaca.APIError{StatusCode: http.StatusUnauthorized, Message: "invalid credentials"},
			domain.ErrAuthFailed,
		},
		{
			"buying power on 403",
			&alpaca.APIError{StatusCode: http.StatusForbidden, Message: "insufficient buying power"},
			domain.ErrInsufficientBuyingPower,
		},
		{
			"sub-penny rejection",
			&alpaca.APIError{StatusCode: 422, Message: "sub-penny increment does not fulfill minimum pricing criteria"},
			domain.ErrInvalidPrice,
		},
		{
			"rate limited",
			&alpaca.APIError{StatusCode: http.StatusTooManyRequests, Message: "too many requests"},
			domain.ErrRateLimited,
		},
		{
			"order not found",
			&alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"},
			domain.ErrOrderNotFound,
		},
		{
			"server error",
			&alpaca.APIError{StatusCode: 503, Message: "service unavailable"},
			domain.ErrBrokerUnavailable,
		},
		{
			"unknown api error is transient",
			&alpaca.APIError{StatusCode: 422, Message: "something odd"},
			domain.ErrTransient,
		},
		{
			"transport failure",
			errors.New("dial tcp: connection refused"),
			domain.ErrBrokerUnavailable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, translateError(tc.in), tc.expected)
		})
	}
}

func TestSideAndTIFMapping(t *testing.T) {
	assert.Equal(t, alpaca.Buy, toAlpacaSide(domain.SideBuy))
	assert.Equal(t, alpaca.Sell, toAlpacaSide(domain.SideSell))
	assert.Equal(t, alpaca.GTC, toAlpacaTIF(domain.TIFGTC))
	assert.Equal(t, alpaca.Day, toAlpacaTIF(domain.TIFDay))
	assert.Equal(t, alpaca.Limit, toAlpacaType(domain.TypeLimit))
	assert.Equal(t, alpaca.Market, toAlpacaType(domain.TypeMarket))
}
