package handler

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ModelResponse 模型状态
type ModelResponse struct {
	Success bool   `json:"success"`
	Loaded  bool   `json:"loaded"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}
