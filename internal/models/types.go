package models

// FrameMessage is the outbound wire message, one per capture tick.
type FrameMessage struct {
	ImageBase64 string `json:"image_base64"`
	DriverID    int    `json:"driver_id"`
}

// ResultMessage is the inbound wire message, one per analyzer result.
// Pointer fields distinguish "absent" from "empty".
type ResultMessage struct {
	Status      *string `json:"status,omitempty"`
	ImageBase64 *string `json:"image_base64,omitempty"`
}

// FramePayload is an encoded frame ready for transmission. It is built per
// tick and never retained.
type FramePayload struct {
	Bytes    []byte
	MIMEType string
	DriverID int
}

// AnalysisResult is one parsed analyzer result. AlertImage is nil when the
// message carried no image.
type AnalysisResult struct {
	Status     string
	AlertImage []byte
}

const (
	StatusUnknown = "Unknown"
	StatusWaiting = "Waiting..."

	MIMETypeJPEG = "image/jpeg"
)
