package filedrop

import "encoding/json"

// Event is the envelope delivered to the host event callback. Data holds
// the variant payload under the variant name in Type.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Marshal renders the event as the JSON string handed to the host.
func (e Event) Marshal() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// QueuedFile describes one file inside a request event, carrying its
// current state.
type QueuedFile struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	Size  uint64 `json:"size"`
	State string `json:"state"`
}

// RequestQueuedData announces a locally created outgoing transfer.
type RequestQueuedData struct {
	Peer     string       `json:"peer"`
	Transfer string       `json:"transfer"`
	Files    []QueuedFile `json:"files"`
}

// RequestReceivedData announces an incoming transfer offered by a peer.
type RequestReceivedData struct {
	Peer     string       `json:"peer"`
	Transfer string       `json:"transfer"`
	Files    []QueuedFile `json:"files"`
}

// TransferStartedData reports a file moving from pending to started.
type TransferStartedData struct {
	Transfer string `json:"transfer"`
	File     string `json:"file"`
	State    string `json:"state"`
}

// TransferProgressData reports bytes moved for a started file.
type TransferProgressData struct {
	Transfer   string `json:"transfer"`
	File       string `json:"file"`
	Transfered uint64 `json:"transfered"`
}

// TransferFinishedData wraps a terminal file or transfer outcome. Reason
// names the outcome variant and Data its payload.
type TransferFinishedData struct {
	Transfer string `json:"transfer"`
	Reason   string `json:"reason"`
	Data     any    `json:"data"`
}

// FileDownloadedData is the outcome payload for a completed download.
type FileDownloadedData struct {
	File      string `json:"file"`
	FinalPath string `json:"final_path"`
}

// FileUploadedData is the outcome payload for a completed upload.
type FileUploadedData struct {
	File string `json:"file"`
}

// FileFailedData is the outcome payload for a failed file.
type FileFailedData struct {
	File   string `json:"file"`
	Status int    `json:"status"`
}

// FileRejectedData is the outcome payload for a rejected file.
type FileRejectedData struct {
	File   string `json:"file"`
	ByPeer bool   `json:"by_peer"`
}

// TransferCanceledData is the outcome payload for a canceled transfer.
type TransferCanceledData struct {
	ByPeer bool `json:"by_peer"`
}

// TransferFailedData is the outcome payload for a failed transfer.
type TransferFailedData struct {
	Status int `json:"status"`
}

func eventRequestQueued(data RequestQueuedData) Event {
	return Event{Type: "RequestQueued", Data: data}
}

func eventRequestReceived(data RequestReceivedData) Event {
	return Event{Type: "RequestReceived", Data: data}
}

func eventTransferStarted(transferID, fileID string) Event {
	return Event{Type: "TransferStarted", Data: TransferStartedData{
		Transfer: transferID,
		File:     fileID,
		State:    "started",
	}}
}

func eventTransferProgress(transferID, fileID string, transfered uint64) Event {
	return Event{Type: "TransferProgress", Data: TransferProgressData{
		Transfer:   transferID,
		File:       fileID,
		Transfered: transfered,
	}}
}

func eventTransferFinished(transferID, reason string, data any) Event {
	return Event{Type: "TransferFinished", Data: TransferFinishedData{
		Transfer: transferID,
		Reason:   reason,
		Data:     data,
	}}
}
