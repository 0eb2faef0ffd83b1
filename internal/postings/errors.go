package postings

import "errors"

var (
	ErrNotFound      = errors.New("posting not found")
	ErrConflict      = errors.New("posting version conflict")
	ErrAlreadyExists = errors.New("posting already exists")
)
