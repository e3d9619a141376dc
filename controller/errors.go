package controller

import "errors"

var (
	errNoCapacity     = errors.New("no node has enough free capacity")
	errUnknownProclet = errors.New("unknown proclet id")
	errPinned         = errors.New("proclet is pinned")
)
