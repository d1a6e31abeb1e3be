package hl7v2

// MessageKind is the closed set of message types the engine understands.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindORUR01
	KindORMO01
	KindOMLO21
	KindADTA01
	KindADTA04
	KindADTA08
	KindACK
)

var kindCodes = map[MessageKind][2]string{
	KindORUR01: {"ORU", "R01"},
	KindORMO01: {"ORM", "O01"},
	KindOMLO21: {"OML", "O21"},
	KindADTA01: {"ADT", "A01"},
	KindADTA04: {"ADT", "A04"},
	KindADTA08: {"ADT", "A08"},
}

// KindOf maps an MSH-9 code and trigger to a MessageKind. Acknowledgments are
// recognised regardless of trigger.
func KindOf(code, trigger string) MessageKind {
	if code == "ACK" {
		return KindACK
	}
	for k, ct := range kindCodes {
		if ct[0] == code && ct[1] == trigger {
			return k
		}
	}
	return KindUnknown
}

func (k MessageKind) String() string {
	if k == KindACK {
		return "ACK"
	}
	if ct, ok := kindCodes[k]; ok {
		return ct[0] + "^" + ct[1]
	}
	return "UNKNOWN"
}

// IsResult reports whether k carries observation results.
func (k MessageKind) IsResult() bool { return k == KindORUR01 }

// IsOrder reports whether k is an order message.
func (k MessageKind) IsOrder() bool { return k == KindORMO01 || k == KindOMLO21 }

// IsDemographics reports whether k is a patient registration or update.
func (k MessageKind) IsDemographics() bool {
	return k == KindADTA01 || k == KindADTA04 || k == KindADTA08
}
