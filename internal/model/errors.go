package model

import (
	"errors"
)

var (
	ErrNoJob           = errors.New("no job available")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrHostUnavailable = errors.New("host not responsive")
	ErrNotStabilized   = errors.New("output did not stabilize")
	ErrNoPackage       = errors.New("no print package produced")
)
