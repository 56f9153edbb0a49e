package dispatch

import "errors"

var (
	errNoEgressSink = errors.New("dispatch: no egress sink configured")
	errNoLocalSink  = errors.New("dispatch: no local sink configured")
)
