package thread

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityInvited Visibility = "invited"
	VisibilityPublic  Visibility = "public"
)

// StringList stores a string slice as a JSON column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type %T for StringList", value)
	}
}

func (l StringList) Contains(s string) bool {
	for _, item := range l {
		if item == s {
			return true
		}
	}
	return false
}

// Thread is a conversation container. UpdatedAt is the last-mutation
// timestamp and the sort key for listings; it advances on every message
// append. ParentThreadID/ParentMessageID record fork lineage and stay nil on
// threads created directly.
type Thread struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	OwnerID         string     `json:"owner_id" gorm:"index"`
	Title           string     `json:"title"`
	Participants    StringList `json:"participants" gorm:"type:text"`
	InvitedUsers    StringList `json:"invited_users" gorm:"type:text"`
	Provider        string     `json:"provider"`
	Model           string     `json:"model"`
	Visibility      Visibility `json:"visibility"`
	ParentThreadID  *string    `json:"parent_thread_id,omitempty" gorm:"index:idx_threads_lineage"`
	ParentMessageID *string    `json:"parent_message_id,omitempty" gorm:"index:idx_threads_lineage"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"index"`
}

// SharedWith reports whether userID may see this thread without owning it:
// the participant list decides, falling back to the invited-user list.
func (t *Thread) SharedWith(userID string) bool {
	if t.Visibility == VisibilityPrivate {
		return false
	}
	if t.Visibility == VisibilityPublic {
		return true
	}
	if len(t.Participants) > 0 {
		return t.Participants.Contains(userID)
	}
	return t.InvitedUsers.Contains(userID)
}

type Lineage struct {
	ParentThreadID  string `json:"parent_thread_id"`
	ParentMessageID string `json:"parent_message_id"`
}

type CreateThreadRequest struct {
	OwnerID  string          `json:"owner_id" binding:"required"`
	Title    string          `json:"title"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

type UpdateThreadRequest struct {
	Title        *string   `json:"title,omitempty"`
	Provider     *string   `json:"provider,omitempty"`
	Model        *string   `json:"model,omitempty"`
	Visibility   *string   `json:"visibility,omitempty"`
	Participants *[]string `json:"participants,omitempty"`
	InvitedUsers *[]string `json:"invited_users,omitempty"`
}

type ThreadListResponse struct {
	Threads []*Thread `json:"threads"`
	Total   int       `json:"total"`
}
