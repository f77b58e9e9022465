package action

// Internal action shapes carried on the wire between the client-facing tier
// and the runtime tier. Each embeds its external counterpart unchanged and
// adds the resolved container identity in ContainerName.

type InternalCommand struct {
	Command
	ContainerName string `json:"container_name"`
}

type InternalBashAction struct {
	BashAction
	ContainerName string `json:"container_name"`
}

type InternalCreateSessionRequest struct {
	CreateSessionRequest
	ContainerName string `json:"container_name"`
}

type InternalCloseSessionRequest struct {
	CloseSessionRequest
	ContainerName string `json:"container_name"`
}

type InternalInterruptAction struct {
	InterruptAction
	ContainerName string `json:"container_name"`
}

type InternalReadFileRequest struct {
	ReadFileRequest
	ContainerName string `json:"container_name"`
}

type InternalReadFileByLineRangeRequest struct {
	ReadFileByLineRangeRequest
	ContainerName string `json:"container_name"`
}

type InternalWriteFileRequest struct {
	WriteFileRequest
	ContainerName string `json:"container_name"`
}

type InternalUploadRequest struct {
	UploadRequest
	ContainerName string `json:"container_name"`
}

type InternalChownRequest struct {
	ChownRequest
	ContainerName string `json:"container_name"`
}

type InternalChmodRequest struct {
	ChmodRequest
	ContainerName string `json:"container_name"`
}

func (a InternalCommand) Container() string                    { return a.ContainerName }
func (a InternalBashAction) Container() string                 { return a.ContainerName }
func (a InternalCreateSessionRequest) Container() string       { return a.ContainerName }
func (a InternalCloseSessionRequest) Container() string        { return a.ContainerName }
func (a InternalInterruptAction) Container() string            { return a.ContainerName }
func (a InternalReadFileRequest) Container() string            { return a.ContainerName }
func (a InternalReadFileByLineRangeRequest) Container() string { return a.ContainerName }
func (a InternalWriteFileRequest) Container() string           { return a.ContainerName }
func (a InternalUploadRequest) Container() string              { return a.ContainerName }
func (a InternalChownRequest) Container() string               { return a.ContainerName }
func (a InternalChmodRequest) Container() string               { return a.ContainerName }
