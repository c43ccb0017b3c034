package memory

import "errors"

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidTurn          = errors.New("invalid turn")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
)
