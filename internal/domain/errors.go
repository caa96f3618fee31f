package domain

import "errors"

var (
	ErrInvalidMarket       = errors.New("market must look like BASE-QUOTE")
	ErrUnknownMarket       = errors.New("market is not protected")
	ErrAlreadyProtected    = errors.New("market is already protected")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidTradeType    = errors.New("unknown trade type")
	ErrInsufficientReserve = errors.New("insufficient swing cash reserve")
)
