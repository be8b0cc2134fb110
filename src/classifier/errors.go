package classifier

import "github.com/pkg/errors"

var errNotObject = errors.New("snapshot payload is not an object")
