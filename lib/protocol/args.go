// Package protocol defines what the orchestrator and the helper process agree
// on: the helper's command line, the socket name, and the result message.
package protocol

import (
	"strconv"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
)

// SetupType is the operation a helper performs.
type SetupType int

const (
	Unset SetupType = iota
	CreateNew
	EditExisting
)

func (t SetupType) String() string {
	switch t {
	case CreateNew:
		return "create"
	case EditExisting:
		return "edit"
	default:
		return "unset"
	}
}

// Helper command line flags. Each one is followed by exactly one value.
const (
	FlagCreate      = "--create"
	FlagEdit        = "--edit"
	FlagWindowID    = "--windowId"
	FlagSocketName  = "--socketName"
	FlagServiceType = "--serviceType"
)

// SocketName returns the per-session channel name for a provider launched by
// the process with the given pid.
func SocketName(providerName string, pid int) string {
	return providerName + strconv.Itoa(pid)
}

// Descriptor is the operation a helper was asked to perform.
type Descriptor struct {
	Type SetupType
	// AccountID is set for EditExisting.
	AccountID accounts.AccountID
	// ProviderName is set for CreateNew.
	ProviderName string
	// ServiceType restricts the services offered; empty means all.
	ServiceType string
	// WindowID is an opaque parent window handle; zero means none.
	WindowID uint64
	// SocketName is the result channel name; empty selects stdout.
	SocketName string
}

// ParseInvocation scans args left to right. Each known flag consumes the next
// token whatever it looks like. Unknown tokens are skipped, a flag without a
// value leaves its field unset, and text that is not a number parses as zero.
//
// When both --create and --edit are given the later one wins and clears the
// target of the earlier one.
func ParseInvocation(args []string) Descriptor {
	var d Descriptor
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case FlagCreate:
			d.Type = CreateNew
			d.AccountID = 0
			d.ProviderName = ""
			i++
			if i < len(args) {
				d.ProviderName = args[i]
			}
		case FlagEdit:
			d.Type = EditExisting
			d.AccountID = 0
			d.ProviderName = ""
			i++
			if i < len(args) {
				d.AccountID = accounts.AccountID(parseUint(args[i], 32))
			}
		case FlagWindowID:
			i++
			if i < len(args) {
				d.WindowID = parseUint(args[i], 64)
			}
		case FlagSocketName:
			i++
			if i < len(args) {
				d.SocketName = args[i]
			}
		case FlagServiceType:
			i++
			if i < len(args) {
				d.ServiceType = args[i]
			}
		}
	}
	return d
}

func parseUint(s string, bits int) uint64 {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0
	}
	return v
}

// Invocation is what the orchestrator passes to a helper.
type Invocation struct {
	SocketName   string
	WindowID     uint64
	AccountID    accounts.AccountID
	ProviderName string
	ServiceType  string
	// Extra is appended verbatim.
	Extra []string
}

// Type reports EditExisting when an account is set and CreateNew otherwise.
func (inv Invocation) Type() SetupType {
	if inv.AccountID != 0 {
		return EditExisting
	}
	return CreateNew
}

// Args builds the helper argument vector.
func (inv Invocation) Args() []string {
	args := []string{FlagSocketName, inv.SocketName}
	if inv.WindowID != 0 {
		args = append(args, FlagWindowID, strconv.FormatUint(inv.WindowID, 10))
	}
	if inv.Type() == EditExisting {
		args = append(args, FlagEdit, inv.AccountID.String())
	} else {
		args = append(args, FlagCreate, inv.ProviderName)
	}
	if inv.ServiceType != "" {
		args = append(args, FlagServiceType, inv.ServiceType)
	}
	return append(args, inv.Extra...)
}
