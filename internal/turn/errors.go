package turn

import "errors"

var (
	ErrClassifier = errors.New("turn: admission classifier failed")
	ErrSynthesis  = errors.New("turn: synthesis failed")
)
