package api

type HealthResponse struct {
	Status string `json:"status"`
}

type ItemsResponse[T any] struct {
	Items []T `json:"items"`
}

type UnreadCountResponse struct {
	UserID      string `json:"user_id"`
	UnreadCount int    `json:"unread_count"`
}

type MarkedResponse struct {
	Marked int64 `json:"marked"`
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewItemsResponse[T any](items []T) ItemsResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ItemsResponse[T]{Items: items}
}

func NewUnreadCountResponse(userID string, n int) UnreadCountResponse {
	return UnreadCountResponse{UserID: userID, UnreadCount: n}
}

func NewMarkedResponse(n int64) MarkedResponse {
	return MarkedResponse{Marked: n}
}
