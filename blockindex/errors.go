package blockindex

import "github.com/pkg/errors"

var errNotFound = errors.New("blockindex: block not found at that position")
