//go:build !linux

package rawdev

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("raw device backend unsupported on this platform")

// Device is provided for non-linux builds so callers compile.
type Device struct{}

func Open(string, time.Duration) (*Device, error) { return nil, errUnsupported }

func (*Device) Read([]byte) (int, error)  { return 0, errUnsupported }
func (*Device) Write([]byte) (int, error) { return 0, errUnsupported }
func (*Device) Close() error              { return nil }
