package handler

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type StatusResponse struct {
	TaskStatus string `json:"task_status"`
}

type IDResponse struct {
	YourID string `json:"your_id"`
}
