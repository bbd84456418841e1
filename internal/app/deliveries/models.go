package deliveries

import (
	"time"

	"rankdelivery/internal/domain"
)

type HistoryPage struct {
	Deliveries []*domain.Delivery
	Total      int
	Page       int
	Limit      int
	Pages      int
}

type CreateDeliveryRequest struct {
	Username string `json:"username"`
	Platform string `json:"platform"`
	Package  string `json:"package"`
}

type CompleteDeliveryRequest struct {
	ID string `json:"id"`
}

type FailDeliveryRequest struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// DeliveryRequestEvent is the payload accepted on the delivery requests topic.
type DeliveryRequestEvent struct {
	Username string `json:"username"`
	Platform string `json:"platform"`
	Package  string `json:"package"`
}

type DeliveryResponse struct {
	ID            string               `json:"id"`
	Username      string               `json:"username"`
	Platform      string               `json:"platform"`
	Package       string               `json:"package"`
	Status        string               `json:"status"`
	CreatedAt     time.Time            `json:"createdAt"`
	ExecutedAt    *time.Time           `json:"executedAt"`
	ErrorMessage  *string              `json:"errorMessage"`
	Notifications domain.Notifications `json:"notifications"`
}

// CommandResponse is the slim shape handed to game-server workers.
type CommandResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Platform  string    `json:"platform"`
	Package   string    `json:"package"`
	CreatedAt time.Time `json:"createdAt"`
}

type PaginationResponse struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

func MapDeliveryToResponse(d *domain.Delivery) *DeliveryResponse {
	return &DeliveryResponse{
		ID:            d.ID,
		Username:      d.Username,
		Platform:      string(d.Platform),
		Package:       d.Package,
		Status:        string(d.Status),
		CreatedAt:     d.CreatedAt,
		ExecutedAt:    d.ExecutedAt,
		ErrorMessage:  d.ErrorMessage,
		Notifications: d.Notifications,
	}
}

func MapDeliveriesToResponse(ds []*domain.Delivery) []*DeliveryResponse {
	responses := make([]*DeliveryResponse, len(ds))
	for i, d := range ds {
		responses[i] = MapDeliveryToResponse(d)
	}
	return responses
}

func MapDeliveriesToCommands(ds []*domain.Delivery) []*CommandResponse {
	commands := make([]*CommandResponse, len(ds))
	for i, d := range ds {
		commands[i] = &CommandResponse{
			ID:        d.ID,
			Username:  d.Username,
			Platform:  string(d.Platform),
			Package:   d.Package,
			CreatedAt: d.CreatedAt,
		}
	}
	return commands
}
