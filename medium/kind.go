package medium

// Kind identifies which radio technology produced a socket or channel.
type Kind uint8

const (
	// Unknown is the zero Kind and never identifies a real radio.
	Unknown Kind = iota
	// BluetoothClassic is RFCOMM over Bluetooth BR/EDR.
	BluetoothClassic
	// BLE is Bluetooth Low Energy.
	BLE
	// WifiLan is TCP/UDP over an already joined Wi-Fi network.
	WifiLan
	// WifiDirect is a device-hosted Wi-Fi group (hotspot) plus TCP.
	WifiDirect
	// WebRTC is an SCTP data channel negotiated through a signaling peer.
	WebRTC
)

// String returns the wire-compatible name of the medium.
func (k Kind) String() string {
	switch k {
	case BluetoothClassic:
		return "BLUETOOTH"
	case BLE:
		return "BLE"
	case WifiLan:
		return "WIFI_LAN"
	case WifiDirect:
		return "WIFI_DIRECT"
	case WebRTC:
		return "WEB_RTC"
	default:
		return "UNKNOWN_MEDIUM"
	}
}

// ParseKind maps a medium name (as produced by String) back to a Kind.
// Unrecognized names yield Unknown and false.
func ParseKind(name string) (Kind, bool) {
	for _, k := range AllKinds() {
		if k.String() == name {
			return k, true
		}
	}
	return Unknown, false
}

// AllKinds lists every real medium in preference order.
func AllKinds() []Kind {
	return []Kind{WifiLan, WifiDirect, WebRTC, BluetoothClassic, BLE}
}
