package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownMarket = errors.New("unknown market")
	ErrInvalidRange  = errors.New("invalid block range")
	ErrBadTimeframe  = errors.New("unsupported timeframe")
	ErrFeedClosed    = errors.New("feed closed")
	ErrViewClosed    = errors.New("view closed")
	ErrNegativeLevel = errors.New("depth level went negative")
	ErrDecodeLog     = errors.New("undecodable log event")
)
