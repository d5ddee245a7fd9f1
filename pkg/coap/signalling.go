package coap

// RFC 8323 §5 signalling option numbers are reused across different
// signalling codes with different meanings; which interpretation applies
// depends on the message Code carrying the option. This mirrors the
// Anjay-lite original's _ANJ_COAP_OPTION_MAX_MESSAGE_SIZE /
// _ANJ_COAP_OPTION_CUSTODY / _ANJ_COAP_OPTION_ALTERNATIVE_ADDRESS /
// _ANJ_COAP_OPTION_HOLD_OFF / _ANJ_COAP_OPTION_BAD_CSM_OPTION aliasing.
const (
	OptMaxMessageSize            uint16 = 2 // valid only on CSM (7.01)
	OptCustody                   uint16 = 2 // valid only on Ping/Pong (7.02/7.03)
	OptBlockWiseTransferCapable  uint16 = 4 // valid only on CSM (7.01)
	OptAlternativeAddress        uint16 = 2 // valid only on Release (7.04)
	OptHoldOff                   uint16 = 4 // valid only on Release (7.04)
	OptBadCSMOption              uint16 = 2 // valid only on Abort (7.05)
)

// SignallingOptionMeaning names the option number in the context of the
// signalling code it was found on, or reports that the combination is not
// meaningful.
func SignallingOptionMeaning(code Code, optNum uint16) (name string, ok bool) {
	switch code {
	case CSM:
		switch optNum {
		case OptMaxMessageSize:
			return "Max-Message-Size", true
		case OptBlockWiseTransferCapable:
			return "Block-Wise-Transfer-Capability", true
		}
	case Ping, Pong:
		if optNum == OptCustody {
			return "Custody", true
		}
	case Release:
		switch optNum {
		case OptAlternativeAddress:
			return "Alternative-Address", true
		case OptHoldOff:
			return "Hold-Off", true
		}
	case Abort:
		if optNum == OptBadCSMOption {
			return "Bad-CSM-Option", true
		}
	}
	return "", false
}
