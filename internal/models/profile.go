package models

// UserProfile is the single profile kept per account
type UserProfile struct {
	Email         string `json:"email" db:"email" validate:"required,email"`
	FirstName     string `json:"firstName" db:"first_name" validate:"required"`
	LastName      string `json:"lastName" db:"last_name" validate:"required"`
	Gender        string `json:"gender,omitempty" db:"gender"`
	Age           int    `json:"age" db:"age" validate:"gte=0,lte=150"`
	Conditions    string `json:"conditions,omitempty" db:"conditions"`
	RemoteSheetID string `json:"remoteSheetId,omitempty" db:"remote_sheet_id"`
	CreatedDate   string `json:"createdDate" db:"created_date"`
	Synced        bool   `json:"synced" db:"synced"`
}
