package handlers

import "chatcore/service/storage"

// Profile is the public view of a user.
type Profile struct {
	Username   string `json:"username"`
	Fullname   string `json:"fullname"`
	IsOnline   bool   `json:"is_online"`
	LastOnline int64  `json:"last_online"`
	CreatedAt  int64  `json:"created_at"`
}

func profileOf(u storage.User) Profile {
	return Profile{
		Username:   u.Username,
		Fullname:   u.Fullname,
		IsOnline:   u.IsOnline,
		LastOnline: u.LastOnline.Unix(),
		CreatedAt:  u.CreatedAt.Unix(),
	}
}

type ConversationSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ConversationInfo struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// MessageRecord is broadcast on send_message and listed by get_messages.
type MessageRecord struct {
	ID             int64  `json:"id"`
	SenderUsername string `json:"sender_username"`
	ConversationID int64  `json:"conversation_id"`
	ReplyID        *int64 `json:"reply_id"`
	Content        string `json:"content"`
	SentAt         int64  `json:"sent_at"`
}

func recordOf(m storage.Message) MessageRecord {
	return MessageRecord{
		ID:             m.ID,
		SenderUsername: m.Sender,
		ConversationID: m.ConversationID,
		ReplyID:        m.ReplyID,
		Content:        m.Content,
		SentAt:         m.SentAt.Unix(),
	}
}
