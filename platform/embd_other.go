//go:build !linux

package platform

import "bmp180-go/errcode"

type embdBus struct{}

func (*embdBus) Tx(uint16, []byte, []byte) error { return errcode.Unsupported }
func (*embdBus) Close() error                    { return nil }

func openEmbd(string) (*embdBus, error) { return nil, errcode.Unsupported }
