package johnrobot

// GeminiAPILog represents a log entry for a Gemini API request and response.
// It contains information about the API call, including timestamps, request and response data,
// and any errors encountered during the API interaction.
//
// Fields:
//   - ModelUintID: Embedded struct providing a uint ID field.
//   - ModelUnixTime: Embedded struct providing created_at, updated_at, and deleted_at fields.
//   - AskCommandID: Pointer to the ID of the associated AskCommand, if any.
//   - AskCommand: Pointer to the associated AskCommand, if any (not stored in the database).
//   - RequestStarted: Unix timestamp (in milliseconds) when the API request started.
//   - RequestEnded: Unix timestamp (in milliseconds) when the API request ended.
//   - RequestBody: String representation of the request payload sent to the Gemini API.
//   - ResponseBody: String representation of the response received from the Gemini API.
//   - Error: String representation of any error encountered during the API call.
//
//nolint:lll // struct tags can't be split
type GeminiAPILog struct {
	ModelUintID
	ModelUnixTime

	AskCommandID *uint       `json:"ask_command_id" gorm:"not null"`
	AskCommand   *AskCommand `json:"-" gorm:"-"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody string `json:"request_payload" gorm:"type:string"`

	ResponseBody string `json:"response_payload" gorm:"type:string"`

	Error string `json:"error" gorm:"type:string"`
}

// GeminiGenerateContent represents a log entry for a content generation call.
type GeminiGenerateContent struct {
	GeminiAPILog
}

func (GeminiGenerateContent) TableName() string {
	return "gemini_generate_content"
}
