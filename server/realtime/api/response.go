package api

import (
	"sns_server/server/common/transport/httpresp"
	"sns_server/server/realtime/domain"
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse
type IDResponse = httpresp.IDResponse

type HealthResponse struct {
	Status string `json:"status"`
}

type PresenceSnapshotResponse struct {
	Records []domain.PresenceRecord `json:"records"`
}

type MessageHistoryResponse struct {
	Messages []domain.Message `json:"messages"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

func NewIDResponse(id string) IDResponse {
	return httpresp.NewIDResponse(id)
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewPresenceSnapshotResponse(records []domain.PresenceRecord) PresenceSnapshotResponse {
	return PresenceSnapshotResponse{Records: records}
}

func NewMessageHistoryResponse(messages []domain.Message) MessageHistoryResponse {
	return MessageHistoryResponse{Messages: messages}
}
