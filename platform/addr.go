package platform

import "unsafe"

// uintptrOf returns the address of a mapped byte slice's backing array,
// matching the unsafe.Pointer(uintptr(...)) register-access convention
// used throughout package xhci and its internal/reg helpers.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
