package input

// Key codes shared between host and guest are USB HID usage IDs
// (keyboard usage page), so a package built once reacts to the same
// codes on every platform. Keys without a table entry are dropped
// before they reach the guest.
var keyCodes = map[string]int32{
	"a": 4, "b": 5, "c": 6, "d": 7, "e": 8, "f": 9, "g": 10,
	"h": 11, "i": 12, "j": 13, "k": 14, "l": 15, "m": 16, "n": 17,
	"o": 18, "p": 19, "q": 20, "r": 21, "s": 22, "t": 23, "u": 24,
	"v": 25, "w": 26, "x": 27, "y": 28, "z": 29,

	"1": 30, "2": 31, "3": 32, "4": 33, "5": 34,
	"6": 35, "7": 36, "8": 37, "9": 38, "0": 39,

	"enter":     40,
	"escape":    41,
	"backspace": 42,
	"tab":       43,
	"space":     44,

	"right": 79,
	"left":  80,
	"down":  81,
	"up":    82,
}

var keyNames = func() map[int32]string {
	names := make(map[int32]string, len(keyCodes))
	for name, code := range keyCodes {
		names[code] = name
	}
	return names
}()

// KeyCode maps a key name to its guest key code. The second result is
// false for keys that are not forwarded to guests.
func KeyCode(name string) (int32, bool) {
	code, ok := keyCodes[name]
	return code, ok
}

// KeyName maps a guest key code back to its name, for diagnostics.
func KeyName(code int32) (string, bool) {
	name, ok := keyNames[code]
	return name, ok
}
