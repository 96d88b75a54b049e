package domain

import "errors"

var (
	// ErrSourceUnavailable is returned when a process source or the dispatch table cannot be read.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrAmbiguousProbe marks a visibility probe that answered neither present nor absent.
	ErrAmbiguousProbe = errors.New("ambiguous visibility probe")

	// ErrIntegrityMismatch marks a dispatch table that no longer matches its baseline.
	ErrIntegrityMismatch = errors.New("dispatch table integrity mismatch")

	// ErrBaselineNotArmed is returned by verification before a baseline exists.
	ErrBaselineNotArmed = errors.New("integrity baseline not armed")
)
