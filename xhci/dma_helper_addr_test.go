package xhci

import "unsafe"

func addressOfTestBuf(b []byte) uint {
	if len(b) == 0 {
		return 0
	}
	return uint(uintptr(unsafe.Pointer(&b[0])))
}
