package user

import "time"

type User struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type CreateRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=100"`
}
