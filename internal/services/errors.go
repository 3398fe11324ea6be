package services

import "errors"

// Service errors. Handlers map these to HTTP responses with errors.Is.
var (
	// Ticker errors
	ErrTickerNotFound = errors.New("ticker not found")
	ErrInvalidTicker  = errors.New("invalid ticker symbol")

	// Dataset errors
	ErrDatasetNotLoaded = errors.New("dataset not loaded")
	ErrReloadInProgress = errors.New("reload already in progress")
	ErrReloadFailed     = errors.New("dataset reload failed")

	// General errors
	ErrInvalidInput = errors.New("invalid input")
)
