package wire

import "fmt"

// Command identifies a request sent to a node's event manager.
type Command uint16

const (
	CommandConnect            Command = 0x0
	CommandCall               Command = 0x1
	CommandRemoteOutput       Command = 0x2
	CommandLoad               Command = 0x3
	CommandPing               Command = 0x4
	CommandRegisterEntrypoint Command = 0x5
)

var commandNames = map[Command]string{
	CommandConnect:            "Connect",
	CommandCall:               "Call",
	CommandRemoteOutput:       "RemoteOutput",
	CommandLoad:               "Load",
	CommandPing:               "Ping",
	CommandRegisterEntrypoint: "RegisterEntrypoint",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", uint16(c))
}

// ResultCode is the one-byte status heading every node response.
type ResultCode uint8

const (
	ResultOk             ResultCode = 0x0
	ResultIllegalCommand ResultCode = 0x1
	ResultIllegalPayload ResultCode = 0x2
	ResultInternalError  ResultCode = 0x3
	ResultBadRequest     ResultCode = 0x4
	ResultCryptoError    ResultCode = 0x5
	ResultGenericError   ResultCode = 0x6
)

var resultNames = map[ResultCode]string{
	ResultOk:             "Ok",
	ResultIllegalCommand: "IllegalCommand",
	ResultIllegalPayload: "IllegalPayload",
	ResultInternalError:  "InternalError",
	ResultBadRequest:     "BadRequest",
	ResultCryptoError:    "CryptoError",
	ResultGenericError:   "GenericError",
}

func (c ResultCode) String() string {
	if name, ok := resultNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ResultCode(%d)", uint8(c))
}

// Entrypoint ids reserved in every module. User entry points start after these.
type Entrypoint uint16

const (
	EntrypointSetKey      Entrypoint = 0x0
	EntrypointAttest      Entrypoint = 0x1
	EntrypointHandleInput Entrypoint = 0x2
)

// Result is a decoded node response.
type Result struct {
	Code    ResultCode
	Payload []byte
}

// ResultError reports a response whose status is not Ok.
type ResultError struct {
	Command Command
	Code    ResultCode
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("reactive command %s failed with code %s", e.Command, e.Code)
}

// Check turns a non-Ok result into a *ResultError.
func (r *Result) Check(cmd Command) error {
	if r.Code != ResultOk {
		return &ResultError{Command: cmd, Code: r.Code}
	}
	return nil
}
