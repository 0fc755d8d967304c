// Package protocol defines the messages exchanged between the fetcharr
// controller and fetcharr-encoderd workers.
//
// Transport is a WebSocket carrying one JSON-encoded message per text frame.
// Every message has a string "type" field that selects its shape; Decode
// dispatches on it. The package is importable by third-party workers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Worker to server message types.
const (
	TypeRegister    = "register"
	TypeHeartbeat   = "heartbeat"
	TypeJobAccepted = "job:accepted"
	TypeJobProgress = "job:progress"
	TypeJobComplete = "job:complete"
	TypeJobFailed   = "job:failed"
)

// Server to worker message types.
const (
	TypeRegistered     = "registered"
	TypePong           = "pong"
	TypeJobAssign      = "job:assign"
	TypeJobCancel      = "job:cancel"
	TypeServerShutdown = "server:shutdown"
)

// Worker states reported in heartbeats.
const (
	WorkerStateIdle     = "IDLE"
	WorkerStateEncoding = "ENCODING"
)

// Register is the first message on a new connection.
type Register struct {
	Type          string `json:"type"`
	EncoderID     string `json:"encoderId"`
	GPUDevice     string `json:"gpuDevice,omitempty"`
	MaxConcurrent int    `json:"maxConcurrent"`
	CurrentJobs   int    `json:"currentJobs"`
	Hostname      string `json:"hostname,omitempty"`
	Version       string `json:"version,omitempty"`
}

// Heartbeat refreshes worker liveness, sent at most every 30 seconds.
type Heartbeat struct {
	Type        string `json:"type"`
	EncoderID   string `json:"encoderId"`
	CurrentJobs int    `json:"currentJobs"`
	State       string `json:"state"`
}

// JobAccepted acknowledges a job:assign.
type JobAccepted struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	EncoderID string `json:"encoderId"`
}

// JobProgress reports transcode progress. FPS and Speed are null when the
// worker cannot measure them yet.
type JobProgress struct {
	Type        string   `json:"type"`
	JobID       string   `json:"jobId"`
	Progress    float64  `json:"progress"`
	FPS         *float64 `json:"fps"`
	Speed       *float64 `json:"speed"`
	ETASeconds  int      `json:"eta"`
	Frame       int64    `json:"frame,omitempty"`
	Bitrate     string   `json:"bitrate,omitempty"`
	TotalSize   int64    `json:"totalSize,omitempty"`
	ElapsedTime float64  `json:"elapsedTime,omitempty"`
}

// JobComplete reports a finished transcode.
type JobComplete struct {
	Type             string  `json:"type"`
	JobID            string  `json:"jobId"`
	OutputSize       int64   `json:"outputSize"`
	CompressionRatio float64 `json:"compressionRatio"`
	DurationSeconds  float64 `json:"duration"`
}

// JobFailed reports a failed transcode. Retriable failures may be requeued
// by the controller.
type JobFailed struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	Error     string `json:"error"`
	Retriable bool   `json:"retriable"`
}

// Registered confirms a successful registration.
type Registered struct {
	Type string `json:"type"`
}

// Pong answers a heartbeat. Timestamp is unix milliseconds.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Profile carries the full transcode parameters so a worker needs no
// controller round-trip to start a job.
type Profile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	VideoEncoder       string `json:"videoEncoder"`
	VideoQuality       int    `json:"videoQuality"`
	VideoMaxResolution string `json:"videoMaxResolution,omitempty"`
	VideoMaxBitrate    string `json:"videoMaxBitrate,omitempty"`
	HWAccel            string `json:"hwAccel,omitempty"`
	HWDevice           string `json:"hwDevice,omitempty"`
	VideoFlags         string `json:"videoFlags,omitempty"`
	AudioEncoder       string `json:"audioEncoder"`
	AudioFlags         string `json:"audioFlags,omitempty"`
	SubtitlesMode      string `json:"subtitlesMode"`
	Container          string `json:"container"`
}

// JobAssign hands a job to a worker. Paths are already translated into the
// worker's filesystem namespace.
type JobAssign struct {
	Type       string  `json:"type"`
	JobID      string  `json:"jobId"`
	InputPath  string  `json:"inputPath"`
	OutputPath string  `json:"outputPath"`
	ProfileID  string  `json:"profileId"`
	Profile    Profile `json:"profile"`
}

// JobCancel asks a worker to abort a running job.
type JobCancel struct {
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// ServerShutdown tells workers the controller is going away and when to
// start reconnecting.
type ServerShutdown struct {
	Type             string `json:"type"`
	ReconnectDelayMs int64  `json:"reconnectDelay"`
}

type header struct {
	Type string `json:"type"`
}

// Decode parses one frame into its typed message. The returned type tag is
// valid even when the payload fails to parse.
func Decode(data []byte) (string, any, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", nil, fmt.Errorf("decoding message header: %w", err)
	}

	var msg any
	switch h.Type {
	case TypeRegister:
		msg = &Register{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeJobAccepted:
		msg = &JobAccepted{}
	case TypeJobProgress:
		msg = &JobProgress{}
	case TypeJobComplete:
		msg = &JobComplete{}
	case TypeJobFailed:
		msg = &JobFailed{}
	case TypeRegistered:
		msg = &Registered{}
	case TypePong:
		msg = &Pong{}
	case TypeJobAssign:
		msg = &JobAssign{}
	case TypeJobCancel:
		msg = &JobCancel{}
	case TypeServerShutdown:
		msg = &ServerShutdown{}
	default:
		return h.Type, nil, fmt.Errorf("unknown message type %q", h.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return h.Type, nil, fmt.Errorf("decoding %s message: %w", h.Type, err)
	}
	return h.Type, msg, nil
}

// Encode serializes a message for the wire. The message's Type field must
// already carry its tag.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}
