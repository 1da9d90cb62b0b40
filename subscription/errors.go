package subscription

import "github.com/pkg/errors"

var (
	errTooManyAddresses = errors.New("subscription: address watch set would exceed its configured limit")
	errTooManyTxIDs     = errors.New("subscription: txid watch set would exceed its configured limit")
)
