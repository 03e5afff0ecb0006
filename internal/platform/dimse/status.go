// Package dimse holds the DIMSE vocabulary shared between the external DICOM
// protocol engine and the gateway core: command and status codes, the flat
// identifier Dataset, lifecycle events and the handler contracts the engine
// invokes.
package dimse

import "fmt"

// Command is a DIMSE command field.
type Command uint16

const (
	CStoreRQ  Command = 0x0001
	CFindRQ   Command = 0x0020
	CEchoRQ   Command = 0x0030
	CCancelRQ Command = 0x0FFF
	// ARelease is not a DIMSE command; it marks the A-RELEASE lifecycle event
	// so releases route through the same dispatcher.
	ARelease Command = 0xF000
)

func (c Command) String() string {
	switch c {
	case CStoreRQ:
		return "C-STORE"
	case CFindRQ:
		return "C-FIND"
	case CEchoRQ:
		return "C-ECHO"
	case CCancelRQ:
		return "C-CANCEL"
	case ARelease:
		return "A-RELEASE"
	}
	return fmt.Sprintf("0x%04X", uint16(c))
}

// Status is a DIMSE response status.
type Status uint16

const (
	StatusSuccess Status = 0x0000
	StatusPending Status = 0xFF00
	StatusCancel  Status = 0xFE00
	// StatusOutOfResources is returned when a store cannot be written.
	StatusOutOfResources Status = 0xA700
	// StatusSOPClassNotSupported is returned when no handler is registered.
	StatusSOPClassNotSupported Status = 0x0122
	StatusFailure              Status = 0xC000
)

// IsFinal reports whether s terminates a response stream.
func (s Status) IsFinal() bool {
	return s != StatusPending
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusPending:
		return "Pending"
	case StatusCancel:
		return "Cancel"
	case StatusOutOfResources:
		return "OutOfResources"
	case StatusSOPClassNotSupported:
		return "SOPClassNotSupported"
	case StatusFailure:
		return "Failure"
	}
	return fmt.Sprintf("0x%04X", uint16(s))
}
