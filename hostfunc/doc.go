// Package hostfunc builds the host module wapp guests import.
//
// The module is named "wapps" and exports exactly one function,
// publish_frame(width, height, pointer), through which a guest hands
// the host its current framebuffer. Publication only records the
// descriptor; the host reads the pixels later, at present time,
// through the guest's live memory.
//
// This is the entire guest-visible capability surface. Access to the
// filesystem, network, or host environment is not available and not
// configurable; a package that imports anything else from the "wapps"
// module fails to instantiate.
package hostfunc
