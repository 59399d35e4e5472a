package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"fatigue-monitor/go-client/internal/models"
)

func EncodeFrame(p models.FramePayload) ([]byte, error) {
	return json.Marshal(models.FrameMessage{
		ImageBase64: base64.StdEncoding.EncodeToString(p.Bytes),
		DriverID:    p.DriverID,
	})
}

// ParseResult decodes one inbound analyzer message. Anything that is not a
// JSON object with string fields fails with ErrMalformedMessage.
func ParseResult(data []byte) (models.AnalysisResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.AnalysisResult{}, errors.Wrap(ErrMalformedMessage, "not a JSON object")
	}
	var msg models.ResultMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return models.AnalysisResult{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return resultFromMessage(msg)
}

func resultFromMessage(msg models.ResultMessage) (models.AnalysisResult, error) {
	result := models.AnalysisResult{Status: models.StatusUnknown}
	if msg.Status != nil && *msg.Status != "" {
		result.Status = *msg.Status
	}
	if msg.ImageBase64 != nil && *msg.ImageBase64 != "" {
		img, err := base64.StdEncoding.DecodeString(stripDataURI(*msg.ImageBase64))
		if err != nil {
			return models.AnalysisResult{}, errors.Wrapf(ErrMalformedMessage, "image_base64: %v", err)
		}
		result.AlertImage = img
	}
	return result, nil
}

// stripDataURI tolerates analyzers that send "data:image/jpeg;base64,...".
func stripDataURI(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ","); i >= 0 {
		return s[i+1:]
	}
	return s
}
