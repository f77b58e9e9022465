package action

import "strings"

// External is the closed set of client-facing action kinds.
type External interface {
	external()
}

func (Command) external()                    {}
func (BashAction) external()                 {}
func (CreateSessionRequest) external()       {}
func (CloseSessionRequest) external()        {}
func (InterruptAction) external()            {}
func (ReadFileRequest) external()            {}
func (ReadFileByLineRangeRequest) external() {}
func (WriteFileRequest) external()           {}
func (UploadRequest) external()              {}
func (ChownRequest) external()               {}
func (ChmodRequest) external()               {}

// Internal is the closed set of runtime-facing action kinds. Only Resolve
// constructs values of these types.
type Internal interface {
	Container() string
}

// Resolve translates an external action into its internal counterpart,
// injecting the resolved container identity. The mapping is total and
// deterministic: one external kind maps to exactly one internal kind,
// field-for-field, plus the injected container name. It has no side effects.
func Resolve(act External, id Identity) (Internal, error) {
	container := strings.TrimSpace(id.ContainerName)
	if container == "" {
		return nil, Validationf("action has no resolvable sandbox identity")
	}

	switch a := act.(type) {
	case Command:
		a.SandboxID = id.SandboxID
		return InternalCommand{Command: a, ContainerName: container}, nil
	case BashAction:
		a.SandboxID = id.SandboxID
		return InternalBashAction{BashAction: a, ContainerName: container}, nil
	case CreateSessionRequest:
		a.SandboxID = id.SandboxID
		return InternalCreateSessionRequest{CreateSessionRequest: a, ContainerName: container}, nil
	case CloseSessionRequest:
		a.SandboxID = id.SandboxID
		return InternalCloseSessionRequest{CloseSessionRequest: a, ContainerName: container}, nil
	case InterruptAction:
		a.SandboxID = id.SandboxID
		return InternalInterruptAction{InterruptAction: a, ContainerName: container}, nil
	case ReadFileRequest:
		a.SandboxID = id.SandboxID
		return InternalReadFileRequest{ReadFileRequest: a, ContainerName: container}, nil
	case ReadFileByLineRangeRequest:
		a.SandboxID = id.SandboxID
		return InternalReadFileByLineRangeRequest{ReadFileByLineRangeRequest: a, ContainerName: container}, nil
	case WriteFileRequest:
		a.SandboxID = id.SandboxID
		return InternalWriteFileRequest{WriteFileRequest: a, ContainerName: container}, nil
	case UploadRequest:
		a.SandboxID = id.SandboxID
		return InternalUploadRequest{UploadRequest: a, ContainerName: container}, nil
	case ChownRequest:
		a.SandboxID = id.SandboxID
		return InternalChownRequest{ChownRequest: a, ContainerName: container}, nil
	case ChmodRequest:
		a.SandboxID = id.SandboxID
		return InternalChmodRequest{ChmodRequest: a, ContainerName: container}, nil
	default:
		return nil, Validationf("unknown action kind %T", act)
	}
}
