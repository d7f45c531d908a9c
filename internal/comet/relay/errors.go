package relay

import "errors"

var (
	errNotHello     = errors.New("auth_denied: first frame was not hello")
	errHelloTimeout = errors.New("auth_denied: hello not received in time")
)
