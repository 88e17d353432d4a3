package storage

import "errors"

var (
	ErrEventExists   = errors.New("event already exists")
	ErrEventNotFound = errors.New("event not found")
)
